package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEntryNotFound  = errors.New("config entry not found")
	ErrEntryNotLoaded = errors.New("config entry not loaded")
	ErrEntryLoaded    = errors.New("config entry already loaded")
)

// EntryRequest

type EntryRequest interface {
	ActorRequest
	EntryCommand() string
	EntryRef() string
}

type EntryRequestMixIn struct {
	ActorRequestMixIn
	EntryId string
}

func (r EntryRequestMixIn) EntryCommand() string {
	return fmt.Sprintf("%T", r)
}

func (r EntryRequestMixIn) EntryRef() string {
	return r.EntryId
}

func ForEntry(entryId string) EntryRequestMixIn {
	return EntryRequestMixIn{EntryId: entryId}
}

// ensure interface compliance
var (
	_ EntryRequest = (*UnloadEntryRequest)(nil)
	_ EntryRequest = (*ReloadEntryRequest)(nil)
	_ EntryRequest = (*GetEntryStateRequest)(nil)
)
