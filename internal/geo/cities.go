package geo

// builtinCities seeds the normalizer with major-city buckets and common
// US/international aliases. User-supplied mappings override these entries.
type builtinCity struct {
	canonical string
	lat, lng  float64
	bucketID  string
	aliases   []string
}

var builtinCities = []builtinCity{
	{"new york", 40.7128, -74.0060, "bucket:us:new-york", []string{"nyc", "new york city", "manhattan", "ny"}},
	{"los angeles", 34.0522, -118.2437, "bucket:us:los-angeles", []string{"la", "l a", "los angeles ca"}},
	{"chicago", 41.8781, -87.6298, "bucket:us:chicago", []string{"chi town", "chicago il"}},
	{"houston", 29.7604, -95.3698, "bucket:us:houston", []string{"houston tx"}},
	{"phoenix", 33.4484, -112.0740, "bucket:us:phoenix", []string{"phoenix az"}},
	{"philadelphia", 39.9526, -75.1652, "bucket:us:philadelphia", []string{"philly"}},
	{"san antonio", 29.4241, -98.4936, "bucket:us:san-antonio", nil},
	{"san diego", 32.7157, -117.1611, "bucket:us:san-diego", nil},
	{"dallas", 32.7767, -96.7970, "bucket:us:dallas", []string{"dallas tx", "dfw"}},
	{"san francisco", 37.7749, -122.4194, "bucket:us:san-francisco", []string{"sf", "san fran", "bay area"}},
	{"seattle", 47.6062, -122.3321, "bucket:us:seattle", []string{"seattle wa"}},
	{"denver", 39.7392, -104.9903, "bucket:us:denver", nil},
	{"boston", 42.3601, -71.0589, "bucket:us:boston", []string{"boston ma"}},
	{"miami", 25.7617, -80.1918, "bucket:us:miami", []string{"miami fl"}},
	{"atlanta", 33.7490, -84.3880, "bucket:us:atlanta", []string{"atl"}},
	{"austin", 30.2672, -97.7431, "bucket:us:austin", []string{"austin tx"}},
	{"washington", 38.9072, -77.0369, "bucket:us:washington", []string{"dc", "washington dc", "district of columbia"}},
	{"london", 51.5074, -0.1278, "bucket:intl:london", []string{"london uk", "greater london"}},
	{"paris", 48.8566, 2.3522, "bucket:intl:paris", []string{"paris france"}},
	{"berlin", 52.5200, 13.4050, "bucket:intl:berlin", nil},
	{"tokyo", 35.6762, 139.6503, "bucket:intl:tokyo", []string{"tokio"}},
	{"sydney", -33.8688, 151.2093, "bucket:intl:sydney", nil},
	{"toronto", 43.6532, -79.3832, "bucket:intl:toronto", nil},
	{"singapore", 1.3521, 103.8198, "bucket:intl:singapore", nil},
	{"dubai", 25.2048, 55.2708, "bucket:intl:dubai", nil},
	{"mumbai", 19.0760, 72.8777, "bucket:intl:mumbai", []string{"bombay"}},
	{"sao paulo", -23.5505, -46.6333, "bucket:intl:sao-paulo", []string{"são paulo"}},
	{"mexico city", 19.4326, -99.1332, "bucket:intl:mexico-city", []string{"cdmx", "ciudad de mexico"}},
}
