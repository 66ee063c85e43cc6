package dto

type EstablishSessionRequest struct {
	OwnerID            string               `json:"ownerId"`
	ContactID          string               `json:"contactId"`
	IdentityPrivateKey string               `json:"identityPrivateKey"`
	IdentityPublicKey  string               `json:"identityPublicKey"`
	Bundle             PreKeyBundleResponse `json:"bundle"`
}

type SessionResponse struct {
	OwnerID       string `json:"ownerId"`
	ContactID     string `json:"contactId"`
	MessageNumber uint64 `json:"messageNumber"`
	// EphemeralKey is set on establishment; the owner forwards it to the
	// contact so the responder side can derive the same shared secret.
	EphemeralKey string `json:"ephemeralKey,omitempty"`
}

type SaveSessionRequest struct {
	OwnerID       string `json:"ownerId"`
	ContactID     string `json:"contactId"`
	SharedSecret  string `json:"sharedSecret"`
	MessageNumber uint64 `json:"messageNumber"`
}

type EncryptMessageRequest struct {
	OwnerID   string `json:"ownerId"`
	ContactID string `json:"contactId"`
	Plaintext string `json:"plaintext"`
}

type EncryptedMessage struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Counter    uint64 `json:"counter"`
}

type DecryptMessageRequest struct {
	OwnerID   string           `json:"ownerId"`
	ContactID string           `json:"contactId"`
	Message   EncryptedMessage `json:"message"`
}

type DecryptMessageResponse struct {
	Plaintext string `json:"plaintext"`
}
