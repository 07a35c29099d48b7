package model

import (
	"encoding/json"
	"fmt"
)

// Pagination mirrors the CMS list pagination block.
type Pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
}

// ContentMeta is the meta block that accompanies CMS responses.
type ContentMeta struct {
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Collection is a CMS list response. Items are kept as raw JSON so that
// fields this service does not model pass through to renderers untouched.
type Collection struct {
	Data []json.RawMessage `json:"data"`
	Meta ContentMeta       `json:"meta"`
}

// EmptyCollection returns a collection with no items. It encodes as
// {"data":[]} rather than {"data":null}.
func EmptyCollection() *Collection {
	return &Collection{Data: []json.RawMessage{}}
}

// Len returns the number of items.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

// DecodeFirst unmarshals the first item into dst. It returns false when the
// collection is empty.
func (c *Collection) DecodeFirst(dst any) (bool, error) {
	if c.Len() == 0 {
		return false, nil
	}
	if err := json.Unmarshal(c.Data[0], dst); err != nil {
		return false, fmt.Errorf("decode content item: %w", err)
	}
	return true, nil
}

// Document is a CMS single-item response.
type Document struct {
	Data json.RawMessage `json:"data"`
	Meta ContentMeta     `json:"meta"`
}

// Ref is the part of a related entity the service navigates by.
type Ref struct {
	ID         int    `json:"id"`
	DocumentID string `json:"documentId"`
	Slug       string `json:"slug,omitempty"`
}

// Category groups providers and use cases.
type Category struct {
	ID          int    `json:"id"`
	DocumentID  string `json:"documentId"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
}

// Provider is an affiliate destination. Link is the outbound URL template
// and carries the ProviderLinkToken placeholder for the click id.
type Provider struct {
	ID          int    `json:"id"`
	DocumentID  string `json:"documentId"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link"`
	Category    *Ref   `json:"category,omitempty"`
}

// ProviderLinkToken is replaced with the click id in a provider link.
const ProviderLinkToken = "$subid"

// UseCase describes a scenario and points at the category that serves it.
type UseCase struct {
	ID          int    `json:"id"`
	DocumentID  string `json:"documentId"`
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
	Category    *Ref   `json:"category,omitempty"`
}
