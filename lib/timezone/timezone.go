package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("America/Chicago")
	if err != nil {
		panic(err)
	}
}

// force timezone to be campus-local because due dates scraped off
// course pages are implicitly in the school's timezone, and servers
// may end up in any region
func Now() time.Time {
	return time.Now().In(Location)
}
