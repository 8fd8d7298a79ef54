package gateway

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/pool"
)

// Credential change actions.
const (
	CredentialSet   = "set"
	CredentialClear = "clear"
)

// Credentials lists the owner's slots with masked secrets.
func (g *Gateway) Credentials(ctx context.Context, owner string) ([]pool.SlotStatus, error) {
	return g.pool.List(ctx, strings.TrimSpace(owner))
}

// SetCredential stores secret in a slot, clearing its cooldown and flag.
func (g *Gateway) SetCredential(ctx context.Context, owner string, slotID int, secret string) error {
	owner = strings.TrimSpace(owner)
	if err := g.pool.SetSecret(ctx, owner, slotID, secret); err != nil {
		return err
	}
	g.credentialChanged(owner, slotID, CredentialSet)
	return nil
}

// ClearCredential empties a slot.
func (g *Gateway) ClearCredential(ctx context.Context, owner string, slotID int) error {
	owner = strings.TrimSpace(owner)
	if err := g.pool.ClearSecret(ctx, owner, slotID); err != nil {
		return err
	}
	g.credentialChanged(owner, slotID, CredentialClear)
	return nil
}

func (g *Gateway) credentialChanged(owner string, slotID int, action string) {
	g.pacer.Forget(owner, slotID)
	g.metrics.CredentialChanged(action)
	g.info("Credential slot changed",
		zap.String("owner", owner),
		zap.Int("slot_id", slotID),
		zap.String("action", action))
}
