package models

import (
	"fmt"
	"sort"
)

var regionNames = map[int]string{
	11: "1ºCOB - Divinópolis",
	21: "2ºCOB - Uberlândia",
	22: "2ºCOB - Uberaba",
	31: "3ºCOB - Juiz de Fora",
	32: "3ºCOB - Barbacena",
	4:  "4ºCOB - Montes Claros",
	51: "5ºCOB - Governador Valadares",
	52: "5ºCOB - Ipatinga",
	61: "6ºCOB - Varginha",
}

// RegionName maps a COB code to its display name. Codes missing from the
// table get a generated "COB <code>" label so they stay in aggregates.
func RegionName(code int) string {
	if name, ok := regionNames[code]; ok {
		return name
	}
	return fmt.Sprintf("COB %d", code)
}

func KnownRegion(code int) bool {
	_, ok := regionNames[code]
	return ok
}

// KnownRegions returns the table codes in ascending order.
func KnownRegions() []int {
	codes := make([]int, 0, len(regionNames))
	for code := range regionNames {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// HourBucket is one of twelve two-hour bands covering a day.
type HourBucket int

const HourBucketCount = 12

func BucketForHour(hour int) HourBucket {
	if hour < 0 {
		hour = 0
	}
	if hour > 23 {
		hour = 23
	}
	return HourBucket(hour / 2)
}

func (b HourBucket) Label() string {
	start := int(b) * 2
	return fmt.Sprintf("%02d-%02dh", start, start+2)
}

func AllHourBuckets() []HourBucket {
	out := make([]HourBucket, HourBucketCount)
	for i := range out {
		out[i] = HourBucket(i)
	}
	return out
}
