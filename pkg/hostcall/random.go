package hostcall

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/cuemby/durawasm/pkg/durability"
	"github.com/cuemby/durawasm/pkg/types"
)

// Random wraps the guest's random-number sources (// "get_random_bytes, get_random_u64, insecure_seed (ReadLocal)").
// Recording the generated bytes is what makes a guest's random draws
// reproducible on replay -- the source itself need not be, since only
// the recorded outcome is ever replayed.
type Random struct {
	wrapper *durability.Wrapper
}

func NewRandom(w *durability.Wrapper) *Random {
	return &Random{wrapper: w}
}

type randomBytesRequest struct {
	Len int
}

func (r *Random) GetRandomBytes(n int) ([]byte, error) {
	return durability.Call(r.wrapper, "get_random_bytes", types.ReadLocal, randomBytesRequest{Len: n}, func(req randomBytesRequest) ([]byte, error) {
		buf := make([]byte, req.Len)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		return buf, nil
	})
}

func (r *Random) GetRandomU64() (uint64, error) {
	return durability.Call(r.wrapper, "get_random_u64", types.ReadLocal, struct{}{}, func(struct{}) (uint64, error) {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	})
}

// InsecureSeed returns a pair of u64s used to seed a non-cryptographic
// PRNG inside the guest; the pair itself is still recorded/replayed.
func (r *Random) InsecureSeed() ([2]uint64, error) {
	return durability.Call(r.wrapper, "insecure_seed", types.ReadLocal, struct{}{}, func(struct{}) ([2]uint64, error) {
		var buf [16]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return [2]uint64{}, err
		}
		return [2]uint64{
			binary.LittleEndian.Uint64(buf[0:8]),
			binary.LittleEndian.Uint64(buf[8:16]),
		}, nil
	})
}
