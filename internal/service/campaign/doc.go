// Package campaign implements drip campaign lifecycle management.
//
// The service layer owns the status machine (DRAFT, ACTIVE, PAUSED,
// ARCHIVED) and step authoring. It depends on the store contracts and should
// never import from api/.
//
// Store implementations live in repository/postgres/ and repository/memory/.
package campaign
