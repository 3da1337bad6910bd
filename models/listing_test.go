package models

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatWei(t *testing.T) {
	oneAndHalf, _ := new(big.Int).SetString("1500000000000000000", 10)

	assert.Equal(t, "1.5", FormatWei(oneAndHalf))
	assert.Equal(t, "0.000000000000000001", FormatWei(big.NewInt(1)))
	assert.Equal(t, "0", FormatWei(nil))
}

func TestEvent_HasPassed(t *testing.T) {
	date := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	event := Event{Date: date}

	assert.False(t, event.HasPassed(date.Add(-time.Hour), 0))
	assert.True(t, event.HasPassed(date.Add(time.Minute), 0))
	assert.False(t, event.HasPassed(date.Add(time.Hour), 24*time.Hour))
	assert.True(t, event.HasPassed(date.Add(25*time.Hour), 24*time.Hour))
}
