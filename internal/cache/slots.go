package cache

import (
	"strings"
	"sync"
)

// SlotCount is the size of the Redis cluster key space.
const SlotCount = 16384

var crc16tab [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16tab[i] = crc
	}
}

func crc16(s string) uint16 {
	var crc uint16
	for i := 0; i < len(s); i++ {
		crc = crc<<8 ^ crc16tab[byte(crc>>8)^s[i]]
	}
	return crc
}

// KeySlot returns the cluster slot of key, honoring {hash tags}.
func KeySlot(key string) int {
	if start := strings.IndexByte(key, '{'); start >= 0 {
		if end := strings.IndexByte(key[start+1:], '}'); end > 0 {
			key = key[start+1 : start+1+end]
		}
	}
	return int(crc16(key) % SlotCount)
}

const hashTagAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	hashTagsOnce sync.Once
	hashTags     [SlotCount]string
)

// HashTagForSlot returns the shortest string that hashes to slot. Keys
// built as "prefix::{tag}" then live on the same node as that slot.
func HashTagForSlot(slot int) string {
	hashTagsOnce.Do(buildHashTags)
	return hashTags[((slot%SlotCount)+SlotCount)%SlotCount]
}

func buildHashTags() {
	remaining := SlotCount
	buf := make([]byte, 0, 4)

	var walk func(depth int) bool
	walk = func(depth int) bool {
		if len(buf) == depth {
			slot := int(crc16(string(buf)) % SlotCount)
			if hashTags[slot] == "" {
				hashTags[slot] = string(buf)
				remaining--
			}
			return remaining == 0
		}
		for i := 0; i < len(hashTagAlphabet); i++ {
			buf = append(buf, hashTagAlphabet[i])
			done := walk(depth)
			buf = buf[:len(buf)-1]
			if done {
				return true
			}
		}
		return false
	}

	for depth := 1; depth <= 4 && remaining > 0; depth++ {
		walk(depth)
	}
}
