// Package queries holds the warehouse-side SQL used by the pipeline: table
// DDL, the projections that populate the star schema, and builders for the
// handful of statements the tasks issue around them.
package queries

// Table names used by the Sparkify star schema.
const (
	StagingEvents = "staging_events"
	StagingSongs  = "staging_songs"
	Songplays     = "songplays"
	Users         = "users"
	Songs         = "songs"
	Artists       = "artists"
	Time          = "time"
)

// Projection describes an INSERT ... SELECT load: the destination column list
// and the SELECT that produces those columns from upstream tables.
type Projection struct {
	Columns []string
	Select  string
}

// tableOrder is the order DDL is applied in when every table is requested.
var tableOrder = []string{
	StagingEvents,
	StagingSongs,
	Songplays,
	Users,
	Artists,
	Songs,
	Time,
}

var ddl = map[string]string{
	StagingEvents: `
		CREATE TABLE IF NOT EXISTS public.staging_events (
		artist varchar(256),
		auth varchar(256),
		firstname varchar(256),
		gender varchar(256),
		iteminsession int4,
		lastname varchar(256),
		length numeric(18,0),
		"level" varchar(256),
		location varchar(256),
		"method" varchar(256),
		page varchar(256),
		registration numeric(18,0),
		sessionid int4,
		song varchar(256),
		status int4,
		ts int8,
		useragent varchar(256),
		userid int4
		);`,

	StagingSongs: `
		CREATE TABLE IF NOT EXISTS public.staging_songs (
		num_songs int4,
		artist_id varchar(256),
		name varchar(256),
		latitude numeric(18,0),
		longitude numeric(18,0),
		location varchar(256),
		song_id varchar(256),
		title varchar(256),
		duration numeric(18,0),
		"year" int4
		);`,

	Songplays: `
		CREATE TABLE IF NOT EXISTS public.songplays (
		playid varchar(32) NOT NULL,
		start_time timestamp NOT NULL,
		userid int4 NOT NULL,
		"level" varchar(256),
		songid varchar(256),
		artistid varchar(256),
		sessionid int4,
		location varchar(256),
		user_agent varchar(256),
		CONSTRAINT songplays_pkey PRIMARY KEY (playid)
		);`,

	Users: `
		CREATE TABLE IF NOT EXISTS public.users (
		userid int4 NOT NULL,
		first_name varchar(256),
		last_name varchar(256),
		gender varchar(256),
		"level" varchar(256),
		CONSTRAINT users_pkey PRIMARY KEY (userid)
		);`,

	Artists: `
		CREATE TABLE IF NOT EXISTS public.artists (
		artistid varchar(256) NOT NULL,
		name varchar(256),
		location varchar(256),
		lattitude numeric(18,0),
		longitude numeric(18,0)
		);`,

	Songs: `
		CREATE TABLE IF NOT EXISTS public.songs (
		songid varchar(256) NOT NULL,
		title varchar(256),
		artistid varchar(256),
		"year" int4,
		duration numeric(18,0),
		CONSTRAINT songs_pkey PRIMARY KEY (songid)
		);`,

	Time: `
		CREATE TABLE IF NOT EXISTS public."time" (
		start_time timestamp NOT NULL,
		"hour" int4,
		"day" int4,
		week int4,
		"month" varchar(256),
		"year" int4,
		weekday varchar(256),
		CONSTRAINT time_pkey PRIMARY KEY (start_time)
		);`,
}

// projections are keyed by destination table.
var projections = map[string]Projection{
	Songplays: {
		Columns: []string{"playid", "start_time", "userid", "level", "songid", "artistid", "sessionid", "location", "user_agent"},
		Select: `
		SELECT
			md5(events.sessionid || events.start_time) playid,
			events.start_time,
			events.userid,
			events.level,
			songs.song_id,
			songs.artist_id,
			events.sessionid,
			events.location,
			events.useragent
		FROM (SELECT TIMESTAMP 'epoch' + ts/1000 * interval '1 second' AS start_time, *
			FROM staging_events
			WHERE page='NextSong') events
		LEFT JOIN staging_songs songs
			ON events.song = songs.title
			AND events.artist = songs.name
			AND events.length = songs.duration`,
	},

	Users: {
		Columns: []string{"userid", "first_name", "last_name", "gender", "level"},
		Select: `
		SELECT distinct userid, firstname, lastname, gender, level
		FROM staging_events
		WHERE page='NextSong'`,
	},

	Songs: {
		Columns: []string{"songid", "title", "artistid", "year", "duration"},
		Select: `
		SELECT distinct song_id, title, artist_id, year, duration
		FROM staging_songs`,
	},

	Artists: {
		Columns: []string{"artistid", "name", "location", "lattitude", "longitude"},
		Select: `
		SELECT distinct artist_id, name, location, latitude, longitude
		FROM staging_songs`,
	},

	Time: {
		Columns: []string{"start_time", "hour", "day", "week", "month", "year", "weekday"},
		Select: `
		SELECT start_time, extract(hour from start_time), extract(day from start_time), extract(week from start_time),
			extract(month from start_time), extract(year from start_time), extract(dayofweek from start_time)
		FROM songplays`,
	},
}

// DDL returns the CREATE TABLE IF NOT EXISTS statement for table.
func DDL(table string) (string, bool) {
	stmt, ok := ddl[table]
	return stmt, ok
}

// Tables returns every table with DDL in the catalog, staging tables first.
func Tables() []string {
	return append([]string(nil), tableOrder...)
}

// Load returns the projection that populates table.
func Load(table string) (Projection, bool) {
	p, ok := projections[table]
	if !ok {
		return Projection{}, false
	}
	p.Columns = append([]string(nil), p.Columns...)
	return p, true
}
