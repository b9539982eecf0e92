package cnutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/howeyc/gopass"
	"golang.org/x/crypto/ed25519"
)

/*
Key file format: one line of hex.  64 hex chars is a raw 32 byte seed.
A leading "x" marks a seed XORed with sha256 of a passphrase; in that
case we prompt for the passphrase on startup.  Not real encryption, but
it keeps a casually copied key file from being immediately usable.
*/

// ReadKeyFile loads (or creates) the node's signing key.  usePass only
// matters when the file doesn't exist yet.
func ReadKeyFile(path string, usePass bool) (ed25519.PrivateKey, error) {
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return createKeyFile(path, usePass)
	}
	if err != nil {
		return nil, err
	}

	line := strings.TrimSpace(string(data))
	masked := strings.HasPrefix(line, "x")
	line = strings.TrimPrefix(line, "x")

	seed, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("key file %s is not hex: %s", path, err.Error())
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s has %d byte seed, expect %d",
			path, len(seed), ed25519.SeedSize)
	}

	if masked {
		pass, err := gopass.GetPasswdPrompt("passphrase: ", false, os.Stdin, os.Stdout)
		if err != nil {
			return nil, err
		}
		unmask(seed, pass)
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

func createKeyFile(path string, usePass bool) (ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)

	line := hex.EncodeToString(seed)
	if usePass {
		pass, err := gopass.GetPasswdPrompt(
			"new key passphrase: ", false, os.Stdin, os.Stdout)
		if err != nil {
			return nil, err
		}
		unmask(seed, pass) // xor is its own inverse
		line = "x" + hex.EncodeToString(seed)
	}

	err := ioutil.WriteFile(path, []byte(line+"\n"), 0600)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

func unmask(seed, pass []byte) {
	mask := sha256.Sum256(pass)
	for i := range seed {
		seed[i] ^= mask[i]
	}
}
