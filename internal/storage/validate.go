package storage

import (
	"net/url"
	"strings"
)

var linkSchemes = map[string]bool{"http": true, "https": true, "ftp": true, "magnet": true}

// ValidateLink checks that a submitted link can be handed to the hosting provider.
func ValidateLink(link string) error {
	v := &ValidationError{Record: "download"}

	if reason := linkProblem(link); reason != "" {
		v.add("link", reason)
	}

	return v.orNil()
}

func linkProblem(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return "must not be empty"
	}

	u, err := url.Parse(link)
	if err != nil {
		return "is not a valid URL"
	}

	if !linkSchemes[strings.ToLower(u.Scheme)] {
		return "must be an http, https, ftp or magnet link"
	}

	if u.Scheme != "magnet" && u.Host == "" {
		return "must include a host"
	}

	return ""
}

// ValidateDownload checks a download record before it is written.
func ValidateDownload(d *Download) error {
	v := &ValidationError{Record: "download"}

	if d.ID == "" {
		v.add("id", "must not be empty")
	}

	if d.AccountID == "" {
		v.add("account_id", "must not be empty")
	}

	if reason := linkProblem(d.Link); reason != "" {
		v.add("link", reason)
	}

	if !d.Status.Valid() {
		v.add("status", "is not a known status")
	}

	if d.Status == StatusAcquired && d.RealURL == "" {
		v.add("real_url", "must be set once acquired")
	}

	return v.orNil()
}

func ValidatePremium(p *Premium) error {
	v := &ValidationError{Record: "premium"}

	if p.AccountID == "" {
		v.add("account_id", "must not be empty")
	}

	if p.Username == "" {
		v.add("username", "must not be empty")
	}

	if p.Password == "" {
		v.add("password", "must not be empty")
	}

	return v.orNil()
}

func ValidateAccount(a *Account) error {
	v := &ValidationError{Record: "account"}

	if a.ID == "" {
		v.add("id", "must not be empty")
	}

	return v.orNil()
}

func ValidateConfig(c *Config) error {
	v := &ValidationError{Record: "config"}

	if c.NumSimultaneousDownloads < 1 {
		v.add("num_simultaneous_downloads", "must be a positive integer")
	}

	return v.orNil()
}
