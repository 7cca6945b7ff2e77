package collab

import (
	"bytes"

	"github.com/oklog/ulid/v2"
)

// ids name STOMP subscriptions and receipts.
// Ids from one process sort in creation order.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// the random tail of the id, enough to tell subscriptions apart in logs
func (self Id) Short() string {
	return self.String()[16:]
}

func (self Id) MarshalText() ([]byte, error) {
	return ulid.ULID(self).MarshalText()
}

func (self *Id) UnmarshalText(src []byte) error {
	return (*ulid.ULID)(self).UnmarshalText(src)
}
