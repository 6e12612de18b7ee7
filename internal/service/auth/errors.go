package auth

import "errors"

var (
	// ErrInvalidToken indicates the token format is invalid or the signature doesn't match.
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrExpiredToken indicates the token has expired.
	ErrExpiredToken = errors.New("authentication token has expired")

	// ErrTokenNotYetValid indicates the token's nbf claim is in the future.
	ErrTokenNotYetValid = errors.New("authentication token not yet valid")

	// ErrMissingToken indicates no credentials were presented.
	ErrMissingToken = errors.New("authentication token is missing")

	// ErrUnknownAPIKey indicates a static key matched no configured hash.
	ErrUnknownAPIKey = errors.New("unknown api key")
)
