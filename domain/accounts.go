package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a local actor with its web keypair. The private key
// signs outbound deliveries, the public key is published in the actor
// document.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}
