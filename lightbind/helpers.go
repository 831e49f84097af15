package lightbind

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/crypto/argon2"
)

const loggerContextKey contextKey = "logger"

var (
	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024
	argon2Threads uint8  = 4
	argon2KeyLen  uint32 = 32
)

type contextKey string

var discordgoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// generateRandomHexString returns a random hexadecimal string of the given
// length, backed by crypto/rand. Odd lengths are rounded up.
func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// challengeWords is the vocabulary used to build the human-readable
// challenge phrase a user places in their Roblox profile description.
// Words were picked to be unambiguous when typed on mobile.
var challengeWords = []string{
	"amber", "basil", "cedar", "delta", "ember", "fable", "gale", "harbor",
	"iris", "juniper", "krill", "lunar", "maple", "nectar", "onyx", "pearl",
	"quartz", "raven", "sable", "tundra", "umber", "violet", "willow",
	"xenon", "yarrow", "zephyr",
}

// generateChallengePhrase builds an n-word phrase from challengeWords using
// crypto/rand. The phrase doubles as the context's challenge token, so it
// must be unguessable: with 26 words, 8 picks gives ~37 bits, so the phrase
// is always suffixed with a random hex tag for uniqueness and entropy.
func generateChallengePhrase(words int) (string, error) {
	if words <= 0 {
		words = 6
	}
	picks := make([]string, 0, words+1)
	max := len(challengeWords)
	buf := make([]byte, words)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := 0; i < words; i++ {
		picks = append(picks, challengeWords[int(buf[i])%max])
	}
	tag, err := generateRandomHexString(8)
	if err != nil {
		return "", err
	}
	picks = append(picks, tag)
	return strings.Join(picks, " "), nil
}

// tlsConfig loads the given cert pair. With no cert configured, the
// returned config carries no certificates and the server listens on
// plain HTTP.
func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	if certfile == "" && keyfile == "" {
		return &tls.Config{MinVersion: minVersion}, nil
	}
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func derive64ByteKey(input string) []byte {
	hash := sha512.Sum512([]byte(input))
	return hash[:]
}

// HashPassword securely hashes a password using Argon2id. The cmd
// credential helper uses it to produce config-ready hashes.
func HashPassword(password string) (string, error) {
	return hashPassword(password)
}

// hashPassword securely hashes a password using Argon2id
func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(password),
		salt,
		argon2Time,
		argon2Memory,
		argon2Threads,
		argon2KeyLen,
	)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	// Format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	encodedHash := fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argon2Memory,
		argon2Time,
		argon2Threads,
		b64Salt,
		b64Hash,
	)

	return encodedHash, nil
}

// verifyPassword checks if the provided password matches the stored hash
func verifyPassword(storedHash, password string) (bool, error) {
	parts := strings.Split(storedHash, "$")
	if len(parts) != 6 {
		return false, errors.New("invalid hash format")
	}

	var memory, argonTime, threads int
	_, err := fmt.Sscanf(
		parts[3],
		"m=%d,t=%d,p=%d",
		&memory,
		&argonTime,
		&threads,
	)
	if err != nil {
		return false, errors.New("invalid hash format")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.New("invalid salt")
	}

	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.New("invalid hash")
	}

	hashToCompare := argon2.IDKey(
		[]byte(password),
		salt,
		uint32(argonTime),
		uint32(memory),
		uint8(threads),
		uint32(len(decodedHash)),
	)

	return subtle.ConstantTimeCompare(decodedHash, hashToCompare) == 1, nil
}

// getDiscordUser returns the [discordgo.User] associated with the message.
// Users don't always appear in the same place, so this checks known areas.
func getDiscordUser(m *discordgo.MessageCreate) *discordgo.User {
	u := m.Author
	if u == nil && m.Member != nil {
		u = m.Member.User
	}
	return u
}

// tokenizeCommandLine splits raw message content into a command name and
// arguments, after stripping the given prefix. Returns ok=false when the
// content isn't a command invocation at all (no prefix, or bare prefix).
func tokenizeCommandLine(content string, prefix string) (
	name string,
	args []string,
	ok bool,
) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func stringPointerValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
