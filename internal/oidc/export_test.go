package oidc

// NewUser exposes newUser to the external oidc_test package.
var NewUser = newUser
