package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/yairfalse/cumulus/pkg/resource"
)

const keyBits = 2048

// KeyPairs manages SSH key pairs.
type KeyPairs struct {
	*Service
}

// KeyPair is a created key pair. PrivateKey is only set when the key was
// generated, and is never available again.
type KeyPair struct {
	*resource.Resource
	PrivateKey string
}

// Create registers publicKey under name. With no public key an RSA key is
// generated and its private half returned in PEM form.
func (k *KeyPairs) Create(ctx context.Context, name, publicKey string) (*KeyPair, error) {
	if name == "" {
		return nil, &resource.ValidationError{Kind: resource.KindKeyPair, Field: "name", Reason: "required"}
	}

	var private string
	if strings.TrimSpace(publicKey) == "" {
		pub, priv, err := generateKey()
		if err != nil {
			return nil, err
		}
		publicKey, private = pub, priv
	} else {
		publicKey = normalizePublicKey(publicKey)
	}

	res, err := k.Service.Create(ctx, &resource.KeyPairSpec{
		SpecMeta:  resource.SpecMeta{Name: name},
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, err
	}
	return &KeyPair{Resource: res, PrivateKey: private}, nil
}

// normalizePublicKey adds the ssh-rsa type to bare key material.
func normalizePublicKey(key string) string {
	key = strings.TrimSpace(key)
	if !strings.Contains(key, " ") {
		return "ssh-rsa " + key
	}
	return key
}

func generateKey() (public, private string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("encode public key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", "", fmt.Errorf("encode private key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))), string(pem.EncodeToMemory(block)), nil
}
