package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the roles carried by operator tokens.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleStaff      UserRole = "STAFF"
)

// JWTClaims represents the JWT payload for operator access tokens.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	jwt.RegisteredClaims
}
