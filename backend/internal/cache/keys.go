package cache

import "fmt"

// Key layout:
// - roomKey(recordDayID):  editors online on a record day (ZSet<subscriberID, expireAtUnix>)
// - namesKey(recordDayID): subscriberID -> username (Hash)
//
// The {recordDay:%s} hash tag keeps both keys of a record day in one cluster slot so the
// cleanup script can touch them together.

const (
	keyRoomFmt  = "presence:room:{recordDay:%s}"
	keyNamesFmt = "presence:room:names:{recordDay:%s}"
)

func roomKey(recordDayID string) string  { return fmt.Sprintf(keyRoomFmt, recordDayID) }
func namesKey(recordDayID string) string { return fmt.Sprintf(keyNamesFmt, recordDayID) }
