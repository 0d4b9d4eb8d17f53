package blob

import (
	"path"
	"strconv"
	"strings"

	"segmentcore/pkg/domain"
)

// TileExt is the extension of encoded tile and output blobs.
const TileExt = ".geojson"

// TileKey is <prefix>/<tile>/<entity_type>.geojson.
func TileKey(prefix string, tile int64, entityType domain.EntityType) string {
	return path.Join(prefix, strconv.FormatInt(tile, 10), string(entityType)+TileExt)
}

// OutputKey is <prefix>/<entity_type>.geojson.
func OutputKey(prefix string, entityType domain.EntityType) string {
	return path.Join(prefix, string(entityType)+TileExt)
}

// ParseTileKey inverts TileKey. ok is false for keys outside prefix or not
// shaped like a tile key.
func ParseTileKey(prefix, key string) (tile int64, entityType domain.EntityType, ok bool) {
	rest := key
	if p := strings.Trim(prefix, "/"); p != "" && p != "." {
		if !strings.HasPrefix(key, p+"/") {
			return 0, "", false
		}
		rest = key[len(p)+1:]
	}
	dir, file := path.Split(rest)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || strings.Contains(dir, "/") || !strings.HasSuffix(file, TileExt) {
		return 0, "", false
	}
	tile, err := strconv.ParseInt(dir, 10, 64)
	if err != nil || tile < 0 {
		return 0, "", false
	}
	name := strings.TrimSuffix(file, TileExt)
	if name == "" {
		return 0, "", false
	}
	return tile, domain.EntityType(name), true
}

// ListPrefix returns the List prefix covering every key under dir.
func ListPrefix(dir string) string {
	p := strings.Trim(dir, "/")
	if p == "" || p == "." {
		return ""
	}
	return p + "/"
}
