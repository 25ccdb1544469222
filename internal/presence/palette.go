package presence

import "hash/fnv"

var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
}

// PickColor starts at a hash of userID and walks the palette until it finds a
// color no connected session holds. When every color is taken the hashed
// color is reused.
func PickColor(userID string, taken map[string]bool) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	start := int(h.Sum32() % uint32(len(Palette)))
	for i := 0; i < len(Palette); i++ {
		color := Palette[(start+i)%len(Palette)]
		if !taken[color] {
			return color
		}
	}
	return Palette[start]
}
