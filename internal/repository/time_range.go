package repository

import (
	"fmt"
	"strings"
	"time"
)

// ParseRange 解析查询区间，接受 RFC3339 时刻或 YYYY-MM-DD（按 UTC 整日展开）。
// 空的起点/终点分别取零值/当前时刻，返回闭区间 [start, end]
func ParseRange(from, to string, now time.Time) (start, end time.Time, err error) {
	end = now.UTC()
	if s := strings.TrimSpace(from); s != "" {
		if start, _, err = parseBound(s); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("解析起点失败: %w", err)
		}
	}
	if s := strings.TrimSpace(to); s != "" {
		var dayEnd time.Time
		if end, dayEnd, err = parseBound(s); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("解析终点失败: %w", err)
		}
		if !dayEnd.IsZero() {
			end = dayEnd
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("终点 %s 早于起点 %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return start, end, nil
}

// parseBound 日期形式额外返回当日最后一刻
func parseBound(s string) (at, dayEnd time.Time, err error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t, t.Add(24*time.Hour - time.Nanosecond), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return t.UTC(), time.Time{}, nil
}
