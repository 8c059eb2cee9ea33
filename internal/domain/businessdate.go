package domain

import "time"

const BusinessDateLayout = "2006-01-02"

// BusinessDateAt maps an instant to the trading day it belongs to. The day
// rolls over at rolloverHour (UTC) instead of midnight: with rolloverHour=4,
// a sale at 02:30 still belongs to the previous date.
func BusinessDateAt(t time.Time, rolloverHour int) string {
	if rolloverHour < 0 || rolloverHour > 23 {
		rolloverHour = 0
	}
	shifted := t.UTC().Add(-time.Duration(rolloverHour) * time.Hour)
	return shifted.Format(BusinessDateLayout)
}

// BusinessDateBounds returns the [from, to) instant range covered by a
// business date under the given rollover hour.
func BusinessDateBounds(businessDate string, rolloverHour int) (time.Time, time.Time, error) {
	if rolloverHour < 0 || rolloverHour > 23 {
		rolloverHour = 0
	}
	day, err := time.Parse(BusinessDateLayout, businessDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	from := day.Add(time.Duration(rolloverHour) * time.Hour)
	return from, from.Add(24 * time.Hour), nil
}
