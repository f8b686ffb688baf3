package helper

import "time"

func secondsOf(n int) time.Duration { return time.Duration(n) * time.Second }

func minutesOf(n int) time.Duration { return time.Duration(n) * time.Minute }
