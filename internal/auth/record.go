package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/brokerbridge/internal/types"
)

const (
	recordSeparator = "##"
	recordFields    = 6
	recordTimeFmt   = "2006-01-02T15:04:05"
)

// ErrMalformedRecord is returned when a persisted token does not hold exactly
// six fields.
var ErrMalformedRecord = errors.New("malformed token record")

// EncodeRecord serializes a token as
// access##refresh##accessExpiresAt##refreshExpiresAt##accessExpiresIn##refreshExpiresIn
// with UTC timestamps.
func EncodeRecord(tok *types.AuthToken) string {
	return strings.Join([]string{
		tok.AccessToken,
		tok.RefreshToken,
		tok.AccessExpiresAt.UTC().Format(recordTimeFmt),
		tok.RefreshExpiresAt.UTC().Format(recordTimeFmt),
		strconv.FormatInt(tok.AccessExpiresIn, 10),
		strconv.FormatInt(tok.RefreshExpiresIn, 10),
	}, recordSeparator)
}

// DecodeRecord parses a record written by EncodeRecord.
func DecodeRecord(s string) (*types.AuthToken, error) {
	fields := strings.Split(strings.TrimSpace(s), recordSeparator)
	if len(fields) != recordFields {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformedRecord, len(fields))
	}

	accessAt, err := time.ParseInLocation(recordTimeFmt, fields[2], time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: access expiry: %v", ErrMalformedRecord, err)
	}
	refreshAt, err := time.ParseInLocation(recordTimeFmt, fields[3], time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh expiry: %v", ErrMalformedRecord, err)
	}
	accessIn, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: access expires_in: %v", ErrMalformedRecord, err)
	}
	refreshIn, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh expires_in: %v", ErrMalformedRecord, err)
	}

	return &types.AuthToken{
		AccessToken:      fields[0],
		RefreshToken:     fields[1],
		AccessExpiresAt:  accessAt,
		RefreshExpiresAt: refreshAt,
		AccessExpiresIn:  accessIn,
		RefreshExpiresIn: refreshIn,
	}, nil
}
