package utils

import (
	"hash/fnv"
)

// HashKey 計算鍵的 64 位 FNV-1a 雜湊值
func HashKey(key string) uint64 {
	h := fnv.New64a()
	if _, err := h.Write([]byte(key)); err != nil {
		return 0
	}
	return h.Sum64()
}
