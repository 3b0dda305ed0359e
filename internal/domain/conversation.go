// Package domain contains core domain types for the interpreter service.
package domain

import (
	"strings"
	"time"
)

// Lang is the language tag of an utterance.
type Lang string

const (
	// LangEnglish tags English speech.
	LangEnglish Lang = "en"
	// LangSpanish tags Spanish speech.
	LangSpanish Lang = "es"
)

// Opposite returns the other language of the interpreted pair.
func (l Lang) Opposite() Lang {
	if l == LangSpanish {
		return LangEnglish
	}
	return LangSpanish
}

// Valid reports whether l is one of the supported languages.
func (l Lang) Valid() bool {
	return l == LangEnglish || l == LangSpanish
}

// Role identifies who produced an utterance.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleSystem  Role = "system"
)

// RoleForLang maps a detected language to the speaker role.
// English speech is attributed to the doctor, Spanish speech to the patient.
func RoleForLang(l Lang) Role {
	if l == LangSpanish {
		return RolePatient
	}
	return RoleDoctor
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleSystem:
		return true
	}
	return false
}

// Utterance is one recorded unit of speech, translation, or system text.
type Utterance struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	OriginalLang   Lang      `json:"originalLang"`
	TranslatedText *string   `json:"translatedText,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	AudioURL       *string   `json:"audioUrl,omitempty"`
}

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
)

// Conversation groups the utterances and actions of one interpreter session.
type Conversation struct {
	ID         string             `json:"id"`
	Status     ConversationStatus `json:"status"`
	Summary    *string            `json:"summary,omitempty"`
	Actions    []string           `json:"actions"`
	Utterances []Utterance        `json:"utterances"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// LastSpeakerUtterance returns the most recent doctor or patient utterance, or nil.
func (c *Conversation) LastSpeakerUtterance() *Utterance {
	for i := len(c.Utterances) - 1; i >= 0; i-- {
		if c.Utterances[i].Role != RoleSystem {
			return &c.Utterances[i]
		}
	}
	return nil
}

// Transcript renders the conversation as "role: text" lines.
func (c *Conversation) Transcript() string {
	var b strings.Builder
	for i, u := range c.Utterances {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(u.Role))
		b.WriteString(": ")
		b.WriteString(u.Text)
	}
	return b.String()
}
