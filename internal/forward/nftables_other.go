//go:build !linux

package forward

import (
	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/log"
)

// NFTables is only available on Linux.
type NFTables struct{ Backend }

// NewNFTables always fails outside Linux.
func NewNFTables(bool, *log.Logger) (*NFTables, error) {
	return nil, apperrors.New(apperrors.KindPrerequisiteUnmet, "the nftables backend requires Linux; set FORWARD_BACKEND=iptables")
}
