package dualauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Result is the outcome of a completed callback.
type Result struct {
	Protocol Protocol
	Attempt  *PendingAuthAttempt
	User     *User
	Identity *LinkedIdentity

	// Session is only set when the attempt signed a user in.
	Session *SessionToken
	NewUser bool
}

func (r *Result) profile() *PopupProfile {
	p := &PopupProfile{}
	if r.User != nil {
		p.UserID = r.User.UserID
		p.Username = r.User.Username
	}
	if r.Identity != nil {
		p.ProviderUserID = r.Identity.ProviderUserID
		p.ProviderUsername = r.Identity.ProviderUsername
	}
	return p
}

// AuthEvent is passed to the auth event hook after a successful link or login.
type AuthEvent struct {
	Protocol Protocol
	UserID   int64
	Identity *LinkedIdentity
	NewUser  bool
	Login    bool
}

// AuthEventHook runs inside the transaction that stores the link. Returning
// an error aborts the flow.
type AuthEventHook func(tx Tx, ev AuthEvent) error

// Flow completes callbacks for either protocol: validate, exchange, link,
// and issue a session when the attempt is a login.
type Flow struct {
	db        DB
	validator *CallbackValidator
	exchanger *TokenExchanger
	linker    *AccountLinker
	issuer    *SessionTokenIssuer
	popups    *PopupBridge
	logger    zerolog.Logger
	metrics   *Metrics
	hook      AuthEventHook
}

// Complete runs the callback cb through the attempt state machine. callerID
// is the signed-in user delivering it, or 0.
//
// Every error returned is an *Error. When an attempt was consumed before the
// failure, res is still returned with only Protocol and Attempt set. If the
// attempt ran in a popup, its opener is notified of the outcome exactly once.
func (f *Flow) Complete(ctx context.Context, cb Callback, callerID int64) (res *Result, err error) {
	protocol := cb.Protocol()
	logger := f.logger.With().Str("protocol", string(protocol)).Logger()
	tracker := newAttemptTracker(StateRedirected, func(from, to AttemptState) {
		logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("attempt transition")
	})

	var attempt *PendingAuthAttempt
	defer func() {
		if err != nil {
			err = AsError(err)
			tracker.fail()
			logFlowError(logger, protocol, err)
			if attempt != nil {
				res = &Result{Protocol: protocol, Attempt: attempt}
			}
		}
		f.metrics.recordCallback(protocol, err)
		if attempt != nil && attempt.Popup {
			f.popups.Publish(attemptKey(protocol, attempt.Key()), attempt.OpenerOrigin, popupMessage(protocol, res, err))
		}
	}()

	if err := tracker.advance(StateCallbackReceived); err != nil {
		return nil, newError(KindInternal, err)
	}

	attempt, err = f.validator.Validate(ctx, cb, callerID)
	if err != nil {
		return nil, err
	}
	if err := tracker.advance(StateValidated); err != nil {
		return nil, newError(KindInternal, err)
	}

	ex, err := f.exchanger.Exchange(ctx, attempt, cb)
	if err != nil {
		return nil, err
	}
	if err := tracker.advance(StateExchanged); err != nil {
		return nil, newError(KindInternal, err)
	}

	res, err = f.persist(ctx, attempt, ex)
	if err != nil {
		return nil, err
	}
	if err := tracker.advance(StateLinked); err != nil {
		return nil, newError(KindInternal, err)
	}

	logger.Info().
		Int64("userid", res.User.UserID).
		Str("provider_user_id", res.Identity.ProviderUserID).
		Bool("login", res.Session != nil).
		Bool("new_user", res.NewUser).
		Msg("auth flow completed")

	return res, nil
}

// persist stores the link, and the session for logins, in one transaction.
func (f *Flow) persist(ctx context.Context, attempt *PendingAuthAttempt, ex *Exchanged) (*Result, error) {
	if ex.Identity == nil {
		return nil, newError(KindProviderRejected, errors.New("no provider identity"))
	}

	tx, err := f.db.Begin(ctx)
	if err != nil {
		return nil, newError(KindInternal, err)
	}
	defer tx.Rollback()

	res := &Result{Protocol: attempt.Protocol, Attempt: attempt}
	userID := attempt.UserID

	if attempt.LinkMode() {
		res.Identity, err = f.linker.Link(tx, userID, ex)
		if err != nil {
			return nil, err
		}
	} else {
		if attempt.Protocol != ProtocolOAuth2 {
			return nil, newError(KindInternal, fmt.Errorf("%s attempt without a user", attempt.Protocol))
		}
		userID, res.Identity, res.NewUser, err = f.linker.Resolve(tx, ex)
		if err != nil {
			return nil, err
		}
		res.Session, err = f.issuer.issueTx(tx, userID)
		if err != nil {
			return nil, err
		}
	}

	res.User, err = tx.GetUser(userID)
	if err != nil {
		return nil, newError(KindInternal, err)
	}
	if res.User == nil {
		return nil, newError(KindInternal, fmt.Errorf("user %d vanished", userID))
	}

	if f.hook != nil {
		ev := AuthEvent{
			Protocol: attempt.Protocol,
			UserID:   userID,
			Identity: res.Identity,
			NewUser:  res.NewUser,
			Login:    res.Session != nil,
		}
		if err := f.hook(tx, ev); err != nil {
			return nil, newError(KindInternal, fmt.Errorf("auth event hook: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, newError(KindInternal, err)
	}
	return res, nil
}
