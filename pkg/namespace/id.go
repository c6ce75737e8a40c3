package namespace

import (
	"crypto/rand"
	"fmt"
)

// idAlphabet is a URL-safe alphabet; 11 draws from it give ~65 bits of
// entropy, comfortably collision-resistant for a namespace population.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

const idLength = 11

// newNamespaceID draws an opaque 11-character ID from a cryptographically
// random source, redrawing if the result would start with '-' (which would
// collide with the bucket-PK grammar's reserved leading character).
func newNamespaceID() (string, error) {
	for {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		if id[0] != '-' {
			return id, nil
		}
	}
}

func randomID() (string, error) {
	b := make([]byte, idLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("namespace: reading random bytes: %w", err)
	}
	out := make([]byte, idLength)
	for i, c := range b {
		out[i] = idAlphabet[int(c)%len(idAlphabet)]
	}
	return string(out), nil
}
