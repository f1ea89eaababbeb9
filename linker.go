package dualauth

import (
	"fmt"
	"strings"
)

// AccountLinker merges an exchanged provider identity into the user records.
// All of its methods run inside the caller's transaction, so a rejected link
// leaves nothing behind.
type AccountLinker struct {
	provider string
}

// NewAccountLinker returns a linker for the given provider.
func NewAccountLinker(provider string) *AccountLinker {
	return &AccountLinker{provider: provider}
}

// Link attaches ex to userID.
//
// A user with no identity at the provider gets a new one. A user already
// linked to the same provider account gets the credentials of the protocol
// in use refreshed; the other protocol's credentials are kept. A user linked
// to a different provider account gets ErrIdentityConflict, and a provider
// account owned by another user gets ErrIdentityAlreadyLinked.
func (l *AccountLinker) Link(tx Tx, userID int64, ex *Exchanged) (*LinkedIdentity, error) {
	existing, err := tx.GetIdentity(userID, l.provider)
	if err != nil {
		return nil, newError(KindInternal, err)
	}
	if existing != nil && existing.ProviderUserID != ex.Identity.ID {
		return nil, newError(KindIdentityConflict,
			fmt.Errorf("user %d is linked to %s, authorized %s", userID, existing.ProviderUserID, ex.Identity.ID))
	}

	owner, err := tx.GetIdentityByProviderID(l.provider, ex.Identity.ID)
	if err != nil {
		return nil, newError(KindInternal, err)
	}
	if owner != nil && owner.UserID != userID {
		return nil, newError(KindIdentityAlreadyLinked,
			fmt.Errorf("%s is linked to user %d", ex.Identity.ID, owner.UserID))
	}

	li := existing
	if li == nil {
		li = &LinkedIdentity{
			UserID:         userID,
			Provider:       l.provider,
			ProviderUserID: ex.Identity.ID,
		}
	}
	if ex.Identity.Username != "" {
		li.ProviderUsername = ex.Identity.Username
	}
	if ex.OAuth1 != nil {
		li.OAuth1AccessToken = ex.OAuth1.AccessToken
		li.OAuth1AccessTokenSecret = ex.OAuth1.AccessTokenSecret
	}
	if ex.OAuth2 != nil {
		li.OAuth2AccessToken = ex.OAuth2.AccessToken
		li.OAuth2RefreshToken = ex.OAuth2.RefreshToken
	}
	li.LinkedAt = now()

	if err := tx.SaveIdentity(li); err != nil {
		// lost a race with another link of the same provider account
		if isUniqueViolation(err) {
			return nil, newError(KindIdentityAlreadyLinked, err)
		}
		return nil, newError(KindInternal, err)
	}

	if ex.Identity.Email != "" {
		if err := l.fillEmail(tx, userID, ex.Identity.Email); err != nil {
			return nil, err
		}
	}

	return li, nil
}

// Resolve finds the user owning the provider account in ex, or creates one,
// and links ex to it. It is used when the attempt signs a user in.
func (l *AccountLinker) Resolve(tx Tx, ex *Exchanged) (userID int64, li *LinkedIdentity, created bool, err error) {
	owner, err := tx.GetIdentityByProviderID(l.provider, ex.Identity.ID)
	if err != nil {
		return 0, nil, false, newError(KindInternal, err)
	}

	if owner != nil {
		userID = owner.UserID
		user, err := tx.GetUser(userID)
		if err != nil {
			return 0, nil, false, newError(KindInternal, err)
		}
		if user == nil || !user.IsActive {
			return 0, nil, false, newError(KindUnauthorized, fmt.Errorf("user %d is inactive", userID))
		}
	} else {
		username, err := l.freeUsername(tx, ex.Identity)
		if err != nil {
			return 0, nil, false, err
		}
		userID, err = tx.CreateUser(username, ex.Identity.Name, strings.ToLower(ex.Identity.Email), "")
		if err != nil {
			return 0, nil, false, newError(KindInternal, fmt.Errorf("create user: %w", err))
		}
		created = true
	}

	li, err = l.Link(tx, userID, ex)
	if err != nil {
		return 0, nil, false, err
	}
	return userID, li, created, nil
}

// freeUsername uses the provider username, falling back to one suffixed with
// the provider id when it is already taken.
func (l *AccountLinker) freeUsername(tx Tx, identity *ProviderIdentity) (string, error) {
	base := identity.Username
	if base == "" {
		base = l.provider
	}

	for _, candidate := range []string{identity.Username, base + "_" + identity.ID} {
		if candidate == "" {
			continue
		}
		user, err := tx.GetUserByUsername(candidate)
		if err != nil {
			return "", newError(KindInternal, err)
		}
		if user == nil {
			return candidate, nil
		}
	}
	return "", newError(KindInternal, fmt.Errorf("no free username for %s", identity.ID))
}

func (l *AccountLinker) fillEmail(tx Tx, userID int64, email string) error {
	user, err := tx.GetUser(userID)
	if err != nil {
		return newError(KindInternal, err)
	}
	if user != nil && user.Email == "" {
		if err := tx.UpdateEmail(userID, strings.ToLower(email)); err != nil {
			return newError(KindInternal, err)
		}
	}
	return nil
}
