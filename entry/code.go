package entry

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/skip2/go-qrcode"
)

var ErrMalformedCode = errors.New("malformed entry code")

// Code is the decoded form of tokenId:eventId:holder:issuedAt:random. Only
// the first three fields carry meaning; the rest are opaque.
type Code struct {
	TokenID  uint64
	EventID  uint64
	Holder   common.Address
	Trailing []string
}

// Encode builds an entry code for a ticket held by holder.
func Encode(tokenID, eventID uint64, holder common.Address, issuedAt time.Time) (string, error) {
	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate code suffix: %w", err)
	}
	return strings.Join([]string{
		strconv.FormatUint(tokenID, 10),
		strconv.FormatUint(eventID, 10),
		holder.Hex(),
		strconv.FormatInt(issuedAt.Unix(), 10),
		hex.EncodeToString(randomBytes),
	}, ":"), nil
}

// Parse decodes an untrusted entry code.
func Parse(code string) (*Code, error) {
	parts := strings.Split(strings.TrimSpace(code), ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: expected at least 3 fields, got %d", ErrMalformedCode, len(parts))
	}

	tokenID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: token id %q", ErrMalformedCode, parts[0])
	}
	eventID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: event id %q", ErrMalformedCode, parts[1])
	}
	if !common.IsHexAddress(parts[2]) {
		return nil, fmt.Errorf("%w: holder %q", ErrMalformedCode, parts[2])
	}

	return &Code{
		TokenID:  tokenID,
		EventID:  eventID,
		Holder:   common.HexToAddress(parts[2]),
		Trailing: parts[3:],
	}, nil
}

// QRCode renders content as a PNG of size x size pixels.
func QRCode(content string, size int) ([]byte, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(size)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
