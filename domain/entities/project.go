package entities

import (
	"errors"
	"time"
)

// Project is a tenant of the hosted chat API that embeds the voice widget
type Project struct {
	ID        string        `json:"id" bson:"_id"`
	Name      string        `json:"name" bson:"name"`
	WidgetKey string        `json:"-" bson:"widget_key"`
	Voice     VoiceSettings `json:"voice" bson:"voice"`
	CreatedAt time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

func (p *Project) Validate() error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	if p.WidgetKey == "" {
		return errors.New("widget key is required")
	}
	return nil
}
