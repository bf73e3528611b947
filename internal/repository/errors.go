package repository

import "errors"

var (
	// ErrNotAnImage indicates the payload was sniffed as a non-image type
	ErrNotAnImage = errors.New("payload is not an image")

	// ErrUndecodable indicates no registered decoder understood the payload
	ErrUndecodable = errors.New("image dimensions could not be decoded")
)
