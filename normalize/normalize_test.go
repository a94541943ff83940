package normalize

import (
	"reflect"
	"testing"

	"track-resolver-go/track"
)

func TestText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"Empty", "", ""},
		{"Lowercase and collapse", "  Hello   World ", "hello world"},
		{"Parenthesized segment", "Numb (Live)", "numb"},
		{"Square brackets", "Numb [Remastered]", "numb"},
		{"Featuring clause", "Numb feat. Jay-Z", "numb"},
		{"Ft clause", "Crawling ft Someone Else", "crawling"},
		{"Brackets before feat", "Numb (Live) featuring Jay-Z", "numb"},
		{"Separator is not kept", "AC|DC", "ac dc"},
		{"Word containing ft is kept", "Daft Punk", "daft punk"},
		{"Newline before feat", "Song\nfeat. X\nY", "song"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Text(tt.input)
			if got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextIdempotent(t *testing.T) {
	inputs := []string{
		"Numb (Live) feat. Jay-Z",
		"((a)b) c",
		"x) (y",
		"Song feat. Someone",
		"  Multiple\t\tSpaces  ",
		"Bohemian Rhapsody [2011 Remaster]",
	}
	for _, in := range inputs {
		once := Text(in)
		if twice := Text(once); twice != once {
			t.Errorf("Text not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name  string
		query track.Query
		want  string
	}{
		{
			name:  "All fields",
			query: track.Query{Title: "Numb", Artist: "Linkin Park", Album: "Meteora"},
			want:  "numb|linkin park|meteora",
		},
		{
			name:  "Title only",
			query: track.Query{Title: "Numb"},
			want:  "numb||",
		},
		{
			name:  "Empty query",
			query: track.Query{},
			want:  "||",
		},
		{
			name:  "Noise is removed",
			query: track.Query{Title: " NUMB (Live) ", Artist: "Linkin  Park"},
			want:  "numb|linkin park|",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CacheKey(tt.query); got != tt.want {
				t.Errorf("CacheKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlexiblePrefixAndSplitKey(t *testing.T) {
	q := track.Query{Title: "Numb", Artist: "Linkin Park", Album: "Meteora"}
	if got := FlexiblePrefix(q); got != "numb|linkin park|" {
		t.Errorf("FlexiblePrefix() = %q", got)
	}

	title, artist, album := SplitKey(CacheKey(q))
	if title != "numb" || artist != "linkin park" || album != "meteora" {
		t.Errorf("SplitKey() = %q, %q, %q", title, artist, album)
	}

	title, artist, album = SplitKey("only")
	if title != "only" || artist != "" || album != "" {
		t.Errorf("SplitKey(short) = %q, %q, %q", title, artist, album)
	}
}

func TestCleanField(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"The Beatles", "beatles"},
		{"Hey Jude - Remastered 2015", "hey jude"},
		{"Creep - Radio Edit", "creep"},
		{"Song (Live) [Bonus]", "song"},
		{"Numb feat. Jay-Z", "numb"},
		{"Simon & Garfunkel", "simon garfunkel"},
		{"AC/DC", "ac dc"},
		{"Don't Stop", "dont stop"},
		{"Meteora 2003", "meteora"},
		{"1999", "1999"},
		{"With or Without You", "with or without you"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := CleanField(tt.input); got != tt.want {
				t.Errorf("CleanField(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCleanForMatching(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"Hello, World!", "hello world"},
		{"The Lion King (Original Motion Picture Soundtrack)", "lion king"},
		{"Interstellar Original Soundtrack", "interstellar"},
		{"A Day in the Life", "day in life"},
		{"The The", "the the"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := CleanForMatching(tt.input); got != tt.want {
				t.Errorf("CleanForMatching(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFold(t *testing.T) {
	tests := map[string]string{
		"Beyoncé":   "beyonce",
		"Sigur Rós": "sigur ros",
		"MÖTLEY":    "motley",
		"":          "",
	}
	for in, want := range tests {
		if got := Fold(in); got != want {
			t.Errorf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestArtistVariants(t *testing.T) {
	tests := []struct {
		name   string
		artist string
		want   []string
	}{
		{"Empty", "  ", nil},
		{"Single artist", "Daft Punk", []string{"Daft Punk"}},
		{"Featuring", "Eminem feat. Rihanna", []string{"Eminem feat. Rihanna", "Eminem"}},
		{"Ampersand", "Simon & Garfunkel", []string{"Simon & Garfunkel", "Simon", "Garfunkel"}},
		{"And with comma", "Crosby, Stills and Nash", []string{"Crosby, Stills and Nash", "Crosby", "Stills", "Nash"}},
		{"Case-insensitive dedupe", "Muse / MUSE", []string{"Muse / MUSE", "Muse"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ArtistVariants(tt.artist)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ArtistVariants(%q) = %#v, want %#v", tt.artist, got, tt.want)
			}
		})
	}
}
