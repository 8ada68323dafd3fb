package domain

// ResourceTier classifies execution backends for admission control.
type ResourceTier string

const (
	ResourceLocal       ResourceTier = "local"
	ResourceCloud       ResourceTier = "cloud"
	ResourceRemoteLocal ResourceTier = "remote_local"
)

// ModelTier classifies model backends for cost and rate accounting.
type ModelTier string

const (
	TierFree   ModelTier = "free"
	TierRemote ModelTier = "remote"
	TierGrok   ModelTier = "grok"
	TierHaiku  ModelTier = "haiku"
	TierSonnet ModelTier = "sonnet"
	TierOpus   ModelTier = "opus"
)

// CloudTier reports whether usage of this tier spends real money.
func (t ModelTier) CloudTier() bool {
	switch t {
	case TierGrok, TierHaiku, TierSonnet, TierOpus:
		return true
	}
	return false
}
