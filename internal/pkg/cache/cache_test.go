package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "upload:lock:u1", GenerateLockKey("u1"))
	assert.Equal(t, "upload:session:u1", GenerateSessionKey("u1"))
}
