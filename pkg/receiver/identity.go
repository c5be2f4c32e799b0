package receiver

import (
	"sort"
	"strings"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

// DeviceIdentity идентичность устройства, создаётся при старте и не меняется
type DeviceIdentity struct {
	DeviceID string
	Role     signaling.Role
}

// String возвращает строковое представление для логирования
func (d DeviceIdentity) String() string {
	return string(d.Role) + ":" + d.DeviceID
}

// AllowList неизменяемое непустое множество абонентов, чьи вызовы принимаются автоматически
type AllowList struct {
	ids   map[string]struct{}
	order []string
}

// NewAllowList создаёт список из непустых идентификаторов.
// Идентификаторы сравниваются точно, без нормализации регистра и пробелов.
func NewAllowList(ids ...string) (AllowList, error) {
	al := AllowList{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := al.ids[id]; dup {
			continue
		}
		al.ids[id] = struct{}{}
		al.order = append(al.order, id)
	}
	if len(al.order) == 0 {
		return AllowList{}, ErrEmptyAllowList
	}
	return al, nil
}

// Contains проверяет точное вхождение callerID в список
func (a AllowList) Contains(callerID string) bool {
	_, ok := a.ids[callerID]
	return ok
}

// IDs возвращает копию идентификаторов в порядке добавления
func (a AllowList) IDs() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len количество абонентов в списке
func (a AllowList) Len() int {
	return len(a.order)
}

// String возвращает идентификаторы через запятую, отсортированные для стабильного вывода
func (a AllowList) String() string {
	ids := a.IDs()
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}
