package fees

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type scheduleFile struct {
	PlatformFeeBps      uint32 `toml:"platform_fee_bps"`
	SplitPlatformFeeBps uint32 `toml:"split_platform_fee_bps"`
	SplitInviterFeeBps  uint32 `toml:"split_inviter_fee_bps"`
}

// LoadSchedule reads a fee schedule from the TOML file at path. Missing keys
// fall back to the default schedule so an empty file yields production rates.
func LoadSchedule(path string) (Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("fees: read schedule: %w", err)
	}
	return ParseSchedule(raw)
}

// ParseSchedule decodes a TOML fee schedule document.
func ParseSchedule(raw []byte) (Schedule, error) {
	defaults := DefaultSchedule()
	decoded := scheduleFile{
		PlatformFeeBps:      defaults.PlatformFeeBps,
		SplitPlatformFeeBps: defaults.SplitPlatformFeeBps,
		SplitInviterFeeBps:  defaults.SplitInviterFeeBps,
	}
	if err := toml.Unmarshal(raw, &decoded); err != nil {
		return Schedule{}, fmt.Errorf("fees: decode schedule: %w", err)
	}
	schedule := Schedule{
		PlatformFeeBps:      decoded.PlatformFeeBps,
		SplitPlatformFeeBps: decoded.SplitPlatformFeeBps,
		SplitInviterFeeBps:  decoded.SplitInviterFeeBps,
	}
	if err := schedule.Validate(); err != nil {
		return Schedule{}, err
	}
	return schedule, nil
}
