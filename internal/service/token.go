package service

import (
	"context"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/internal/rtc"
	"github.com/psds-microservice/session-reservation-service/pkg/constants"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultChannel is the channel assigned to a session without one.
func DefaultChannel(appointmentID string) string {
	return constants.ChannelPrefix + appointmentID
}

// TokenProvisioner issues and repairs per-role RTC credentials.
type TokenProvisioner struct {
	store   SessionStore
	issuer  TokenIssuer
	timeout time.Duration
	skew    time.Duration
	now     func() time.Time
	flight  singleflight.Group // key: session id + role
	log     *zap.Logger
}

// NewTokenProvisioner creates a provisioner. timeout bounds each provider
// call; skew is how early before expiry a token is renewed.
func NewTokenProvisioner(store SessionStore, issuer TokenIssuer, timeout, skew time.Duration, log *zap.Logger) *TokenProvisioner {
	return &TokenProvisioner{store: store, issuer: issuer, timeout: timeout, skew: skew, now: time.Now, log: log}
}

// Provision returns the stored credential of role when it is still valid,
// otherwise issues and persists a new one. generated reports a provider call.
// ent is updated in memory.
func (p *TokenProvisioner) Provision(ctx context.Context, ent *model.SessionReservation, role model.Role) (cred model.Credential, generated bool, err error) {
	return p.provision(ctx, ent, role, false)
}

// Rotate always issues a fresh credential for role.
func (p *TokenProvisioner) Rotate(ctx context.Context, ent *model.SessionReservation, role model.Role) (model.Credential, error) {
	cred, _, err := p.provision(ctx, ent, role, true)
	return cred, err
}

func (p *TokenProvisioner) provision(ctx context.Context, ent *model.SessionReservation, role model.Role, force bool) (model.Credential, bool, error) {
	if err := admission(ent); err != nil {
		return model.Credential{}, false, err
	}
	if ent.ChannelName() == "" {
		channel, err := p.store.AssignChannel(ctx, ent.ID, DefaultChannel(ent.AppointmentID))
		if err != nil {
			return model.Credential{}, false, errs.Wrap(errs.ErrTransient, "", err)
		}
		ent.Channel = &channel
	}
	current := ent.Credential(role)
	if !force && current.Complete() && usable(current, p.now(), p.skew) {
		return current, false, nil
	}
	if current.Partial() {
		p.log.Warn("partial credential, regenerating",
			zap.String("session_id", ent.ID),
			zap.String("role", string(role)),
			zap.Error(errs.ErrCorruption))
	}

	channel := ent.ChannelName()
	// общий вызов не зависит от отмены контекста первого запроса
	fctx := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(ent.ID+":"+string(role), func() (interface{}, error) {
		return p.issue(fctx, ent.ID, channel, role, current)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return model.Credential{}, false, errs.Wrap(errs.ErrTransient, "", ctx.Err())
	}
	if res.Err != nil {
		return model.Credential{}, false, res.Err
	}
	cred := res.Val.(model.Credential)
	ent.SetCredential(role, cred)
	return cred, true, nil
}

func (p *TokenProvisioner) issue(ctx context.Context, sessionID, channel string, role model.Role, current model.Credential) (model.Credential, error) {
	uid := rtc.DeriveUID(channel, role)
	if current.Complete() {
		uid = current.UID
	}
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	issued, err := p.issuer.IssueToken(tctx, channel, role, uid)
	if err != nil {
		err = classifyProviderError(err)
		p.log.Warn("token provider failed",
			zap.String("session_id", sessionID),
			zap.String("role", string(role)),
			zap.Error(err))
		return model.Credential{}, err
	}

	if issued.Token == "" {
		p.log.Warn("token provider returned empty token",
			zap.String("session_id", sessionID),
			zap.String("role", string(role)))
		return model.Credential{}, errs.New(errs.ErrTransient, errs.CodeProviderUnavailable, "provider returned empty token")
	}
	if issued.UID == 0 {
		issued.UID = uid
	}

	exp := issued.ExpiresAt
	cred := model.Credential{Token: issued.Token, UID: issued.UID}
	if !exp.IsZero() {
		cred.ExpiresAt = &exp
	}
	if err := p.store.SetCredential(ctx, sessionID, role, cred); err != nil {
		return model.Credential{}, errs.Wrap(errs.ErrTransient, "", err)
	}
	p.log.Info("token issued",
		zap.String("session_id", sessionID),
		zap.String("channel", channel),
		zap.String("role", string(role)),
		zap.Uint32("uid", cred.UID))
	return cred, nil
}

// classifyProviderError keeps permission/terminal classifications and turns
// anything else into a retryable failure.
func classifyProviderError(err error) error {
	if errs.Terminal(err) || errs.CodeOf(err) != "" {
		return err
	}
	return errs.Wrap(errs.ErrTransient, errs.CodeProviderUnavailable, err)
}
