package model

import (
	"sort"
	"strings"
)

// ContactInfo is the single structured contact blob stored with an entity.
type ContactInfo struct {
	Email   string            `json:"email,omitempty"`
	Phone   string            `json:"phone,omitempty"`
	Address string            `json:"address,omitempty"`
	Website string            `json:"website,omitempty"`
	Social  map[string]string `json:"social,omitempty"`
}

// IsZero reports whether no contact detail is set.
func (c ContactInfo) IsZero() bool {
	return c.Email == "" && c.Phone == "" && c.Address == "" && c.Website == "" && len(c.Social) == 0
}

type contactField int

const (
	contactEmail contactField = iota
	contactPhone
	contactAddress
	contactWebsite
	contactSocial
)

// contactAliases maps every accepted spelling to its destination.
var contactAliases = map[string]contactField{
	"email":          contactEmail,
	"emailaddress":   contactEmail,
	"email_address":  contactEmail,
	"mail":           contactEmail,
	"phone":          contactPhone,
	"phonenumber":    contactPhone,
	"phone_number":   contactPhone,
	"mobile":         contactPhone,
	"tel":            contactPhone,
	"address":        contactAddress,
	"postaladdress":  contactAddress,
	"postal_address": contactAddress,
	"website":        contactWebsite,
	"url":            contactWebsite,
	"homepage":       contactWebsite,
	"linkedin":       contactSocial,
	"twitter":        contactSocial,
	"github":         contactSocial,
	"mastodon":       contactSocial,
}

// ContactFromFields builds a ContactInfo from loosely named fields. Each
// accepted alias has exactly one destination; unknown names are rejected.
func ContactFromFields(fields map[string]string) (ContactInfo, error) {
	var c ContactInfo
	ve := &ValidationError{}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		value := strings.TrimSpace(fields[name])
		key := strings.ToLower(strings.TrimSpace(name))
		dest, ok := contactAliases[key]
		if !ok {
			ve.Add("contact."+name, "unknown contact field")
			continue
		}
		if value == "" {
			continue
		}
		switch dest {
		case contactEmail:
			c.Email = strings.ToLower(value)
		case contactPhone:
			c.Phone = value
		case contactAddress:
			c.Address = value
		case contactWebsite:
			c.Website = value
		case contactSocial:
			if c.Social == nil {
				c.Social = map[string]string{}
			}
			c.Social[key] = value
		}
	}
	if err := ve.OrNil(); err != nil {
		return ContactInfo{}, err
	}
	return c, nil
}
