package models

// Profile is display-only social identity data for an address.
type Profile struct {
	Address     string `json:"address"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type NonceResponse struct {
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expires_at"`
}

type VerifySignatureRequest struct {
	Address   string `json:"address" binding:"required,ethaddr"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type VerifySignatureResponse struct {
	OK      bool   `json:"ok"`
	Address string `json:"address"`
	Token   string `json:"token"`
}
