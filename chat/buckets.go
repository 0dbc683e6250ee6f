package chat

import (
	"time"

	"github.com/tcriess/lightspeed-course-chat/types"
)

const (
	timeLabelLayout = "15:04"
	dayLabelLayout  = "January 2, 2006"
)

// RenderedMessage is a message together with its local labels.
type RenderedMessage struct {
	types.Message
	TimeLabel string
	DayLabel  string
}

// DayBucket groups the messages of one local calendar day.
type DayBucket struct {
	Day      time.Time // midnight, local
	Label    string    // Today, Yesterday or the full date
	Messages []RenderedMessage
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DayLabel returns Today, Yesterday or the full date of ts relative to now.
func DayLabel(ts, now time.Time, loc *time.Location) string {
	day := startOfDay(ts, loc)
	today := startOfDay(now, loc)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	}
	return day.Format(dayLabelLayout)
}

// Buckets groups the messages into day buckets. Buckets are in ascending day order, inside a bucket the order of
// messages is kept.
func Buckets(messages []types.Message, now time.Time, loc *time.Location) []DayBucket {
	if loc == nil {
		loc = time.Local
	}
	byDay := make(map[time.Time]int)
	buckets := make([]DayBucket, 0)
	for _, m := range messages {
		day := startOfDay(m.Timestamp, loc)
		idx, ok := byDay[day]
		if !ok {
			idx = len(buckets)
			byDay[day] = idx
			buckets = append(buckets, DayBucket{Day: day, Label: DayLabel(m.Timestamp, now, loc)})
		}
		buckets[idx].Messages = append(buckets[idx].Messages, RenderedMessage{
			Message:   m,
			TimeLabel: m.Timestamp.In(loc).Format(timeLabelLayout),
			DayLabel:  buckets[idx].Label,
		})
	}
	sortBuckets(buckets)
	return buckets
}

// sortBuckets is an insertion sort, bucket lists are short and mostly ordered already
func sortBuckets(buckets []DayBucket) {
	for i := 1; i < len(buckets); i++ {
		for j := i; j > 0 && buckets[j].Day.Before(buckets[j-1].Day); j-- {
			buckets[j], buckets[j-1] = buckets[j-1], buckets[j]
		}
	}
}
