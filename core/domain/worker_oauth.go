package domain

import "golang.org/x/oauth2"

// CredentialStatus tags a CredentialResult.
type CredentialStatus int

const (
	CredentialOK CredentialStatus = iota
	CredentialScopeWarning
	CredentialFailure
)

// CredentialResult is Credential | ScopeWarning(Credential) | Failure.
// Callers decide whether a scope warning is acceptable.
type CredentialResult struct {
	Status        CredentialStatus
	Token         *oauth2.Token
	MissingScopes []string
	ExtraScopes   []string
	Err           error
}

// Usable reports whether the result carries a token.
func (r CredentialResult) Usable() bool {
	return r.Status != CredentialFailure && r.Token != nil
}
