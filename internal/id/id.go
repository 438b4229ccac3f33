// Package id provides ID generation helpers used across the server.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixClient    = "client"
	PrefixCandidate = "cand"
	PrefixRun       = "run"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewClient() string    { return New(PrefixClient) }
func NewCandidate() string { return New(PrefixCandidate) }
func NewRun() string       { return New(PrefixRun) }
