package scorecard

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/markus-lassfolk/wifiscore/pkg"
)

const l2KeySize = 16

// KeyDeriver turns (ssid, bssid) into opaque store keys. The keyed hash keeps raw
// physical addresses out of the external store while staying stable across restarts
// for the same seed.
type KeyDeriver struct {
	key []byte
}

// NewKeyDeriver derives the hash key from an arbitrary-length seed
func NewKeyDeriver(seed string) *KeyDeriver {
	sum := blake2b.Sum256([]byte(seed))
	return &KeyDeriver{key: sum[:]}
}

func (k *KeyDeriver) digest(ssid string, bssid pkg.MacAddress) []byte {
	h, err := blake2b.New(l2KeySize, k.key)
	if err != nil {
		// only possible with an oversized key, which NewKeyDeriver never produces
		panic(err)
	}
	h.Write([]byte(ssid))
	h.Write([]byte{0})
	h.Write(bssid[:])
	return h.Sum(nil)
}

// Key returns the store key for an access point
func (k *KeyDeriver) Key(ssid string, bssid pkg.MacAddress) string {
	return "ap:" + hex.EncodeToString(k.digest(ssid, bssid))
}

// ID returns a compact identifier recorded inside serialized ledgers
func (k *KeyDeriver) ID(ssid string, bssid pkg.MacAddress) int32 {
	return int32(binary.BigEndian.Uint32(k.digest(ssid, bssid)))
}
