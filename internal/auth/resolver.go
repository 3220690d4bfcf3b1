// Package auth resolves viewers from bearer tokens and device cookies. A
// request without a valid token is a guest; a request with one is a member
// whose tier comes from the profile. Profile lookup failures degrade the
// viewer to the free tier rather than to guest, so a flaky database can
// never grant the guest quota to an authenticated member.
package auth

import (
	"github.com/promptnexus/nexus/internal/core"
	"github.com/promptnexus/nexus/internal/repository"
)

// Session identifies an authenticated member for the duration of a request.
type Session struct {
	UserID string
	Email  string
}

// ResolveViewer maps an optional session and its (possibly missing) profile
// to a viewer context. A nil session is a guest. A session whose profile
// could not be loaded resolves to a free member.
func ResolveViewer(session *Session, profile *repository.Profile) core.ViewerContext {
	if session == nil {
		return core.ViewerContext{Kind: core.ViewerGuest}
	}
	if profile != nil && profile.IsPro {
		return core.ViewerContext{Kind: core.ViewerProMember}
	}
	return core.ViewerContext{Kind: core.ViewerFreeMember}
}
