package flux

import (
	"github.com/oklog/ulid/v2"
)

// comparable
// ulids are ordered by create time, so ids from the same process sort in creation order
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
