package main

import (
	"fmt"
	"time"

	"orderwatch/internal/dispatch"
)

func printReport(r dispatch.DeliveryReport) {
	if !r.Success {
		fmt.Printf("cycle failed: %s\n", r.Error)
		return
	}
	fmt.Printf("cycle completed in %s (%d users)\n", r.Elapsed.Round(time.Millisecond), len(r.PerUser))
	for _, u := range r.PerUser {
		switch {
		case u.Error != "":
			fmt.Printf("  %s: error: %s\n", u.UserID, u.Error)
		case u.NoRelevantChanges:
			fmt.Printf("  %s: no relevant changes\n", u.UserID)
		default:
			for _, c := range u.PerChannel {
				switch {
				case c.Skipped:
					fmt.Printf("  %s/%s: skipped (%s)\n", u.UserID, c.Channel, c.Reason)
				case c.Success:
					if n := len(c.Parts); n > 1 {
						fmt.Printf("  %s/%s: sent (%d parts)\n", u.UserID, c.Channel, n)
					} else {
						fmt.Printf("  %s/%s: sent\n", u.UserID, c.Channel)
					}
				default:
					fmt.Printf("  %s/%s: failed: %s\n", u.UserID, c.Channel, c.Error)
				}
			}
		}
	}
}
