package apperr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("Resolver.Resolve: %w", NotFound("workspace", "acme"))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.True(t, IsPermanent(wrapped))

	v := Validation("repo", "expected owner/repo, got %q", "acme")
	assert.True(t, IsValidation(v))
	assert.Equal(t, `validation failed on repo: expected owner/repo, got "acme"`, v.Error())

	assert.True(t, IsAuthentication(&AuthenticationError{Message: "bad signature"}))
	assert.True(t, IsAuthorization(&AuthorizationError{Required: "ADMIN", Actual: "MEMBER"}))
	assert.Equal(t, "forbidden: requires ADMIN, have MEMBER", (&AuthorizationError{Required: "ADMIN", Actual: "MEMBER"}).Error())

	assert.False(t, IsPermanent(fmt.Errorf("github: timeout")))
}
