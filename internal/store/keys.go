package store

import "fmt"

func reqKey(city, id string) string     { return fmt.Sprintf("req:%s:%s", city, id) }
func openSetKey(city string) string     { return fmt.Sprintf("city:%s:open_ids", city) }
func prioritySumKey(city string) string { return fmt.Sprintf("city:%s:priority_sum", city) }
func tsZsetKey(city string) string      { return fmt.Sprintf("city:%s:ts_open", city) }

const (
	globalPrioritySumKey = "global:priority_sum"
	globalNumOpenKey     = "global:num_open"
	globalTsZsetKey      = "global:ts_open"
)
