package lightbind

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChallengePhrase(t *testing.T) {
	t.Parallel()
	phrase, err := generateChallengePhrase(6)
	require.NoError(t, err)

	parts := strings.Fields(phrase)
	require.Len(t, parts, 7)
	for _, word := range parts[:6] {
		assert.Contains(t, challengeWords, word)
	}

	// The trailing tag is 8 hex characters
	tag := parts[len(parts)-1]
	assert.Len(t, tag, 8)
	_, err = hex.DecodeString(tag)
	require.NoError(t, err)

	other, err := generateChallengePhrase(6)
	require.NoError(t, err)
	assert.NotEqual(t, phrase, other)
}

func TestGenerateChallengePhraseDefaultsWordCount(t *testing.T) {
	t.Parallel()
	phrase, err := generateChallengePhrase(0)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(phrase), 7)
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)
	_, err = hex.DecodeString(s)
	require.NoError(t, err)

	// Odd lengths round up
	s, err = generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, s, 8)
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name         string
		content      string
		prefix       string
		expectedName string
		expectedArgs []string
		expectedOK   bool
	}{
		{
			name:         "Simple command",
			content:      "!verify 12345",
			prefix:       "!",
			expectedName: "verify",
			expectedArgs: []string{"12345"},
			expectedOK:   true,
		},
		{
			name:         "No arguments",
			content:      "!help",
			prefix:       "!",
			expectedName: "help",
			expectedArgs: []string{},
			expectedOK:   true,
		},
		{
			name:         "Mixed case command",
			content:      "!VeRiFy 12345",
			prefix:       "!",
			expectedName: "verify",
			expectedArgs: []string{"12345"},
			expectedOK:   true,
		},
		{
			name:         "Extra whitespace",
			content:      "!lookup   roblox:12345  ",
			prefix:       "!",
			expectedName: "lookup",
			expectedArgs: []string{"roblox:12345"},
			expectedOK:   true,
		},
		{
			name:       "No prefix",
			content:    "verify 12345",
			prefix:     "!",
			expectedOK: false,
		},
		{
			name:       "Bare prefix",
			content:    "!",
			prefix:     "!",
			expectedOK: false,
		},
		{
			name:       "Prefix with only whitespace",
			content:    "!   ",
			prefix:     "!",
			expectedOK: false,
		},
		{
			name:       "Empty content",
			content:    "",
			prefix:     "!",
			expectedOK: false,
		},
		{
			name:       "Empty prefix never matches",
			content:    "verify 12345",
			prefix:     "",
			expectedOK: false,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				name, args, ok := tokenizeCommandLine(tc.content, tc.prefix)
				assert.Equal(t, tc.expectedOK, ok)
				if !tc.expectedOK {
					return
				}
				assert.Equal(t, tc.expectedName, name)
				assert.Equal(t, tc.expectedArgs, args)
			},
		)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "trunc", truncate("truncated", 5))
}

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("swordfish")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	valid, err := verifyPassword(hash, "swordfish")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = verifyPassword(hash, "sturgeon")
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = verifyPassword("not-a-hash", "swordfish")
	require.Error(t, err)

	// The same password hashes differently each time (random salt)
	other, err := HashPassword("swordfish")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()
	key := derive64ByteKey("some secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("some secret"))
	assert.NotEqual(t, key, derive64ByteKey("other secret"))
}
