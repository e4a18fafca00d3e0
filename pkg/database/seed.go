package database

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/listening-rooms/pkg/models"
)

var sampleSongs = []models.Song{
	{ID: "song1", Title: "Blinding Lights", Artist: "The Weeknd", Album: "After Hours", Duration: 202, Thumbnail: "https://images.unsplash.com/photo-1493225457124-a3eb161ffa5f?w=300&h=300&fit=crop&crop=center", ExternalID: "4NRXx6U8ABQ", Source: "youtube"},
	{ID: "song2", Title: "Good 4 U", Artist: "Olivia Rodrigo", Album: "SOUR", Duration: 178, Thumbnail: "https://images.unsplash.com/photo-1470225620780-dba8ba36b745?w=300&h=300&fit=crop&crop=center", ExternalID: "gNi_6U5Pm_o", Source: "youtube"},
	{ID: "song3", Title: "Levitating", Artist: "Dua Lipa", Album: "Future Nostalgia", Duration: 203, Thumbnail: "https://images.unsplash.com/photo-1511379938547-c1f69419868d?w=300&h=300&fit=crop&crop=center", ExternalID: "TUVcZfQe-Kw", Source: "youtube"},
	{ID: "song4", Title: "Watermelon Sugar", Artist: "Harry Styles", Album: "Fine Line", Duration: 174, Thumbnail: "https://images.unsplash.com/photo-1493225457124-a3eb161ffa5f?w=300&h=300&fit=crop&crop=center", ExternalID: "E07s5ZYygMg", Source: "youtube"},
	{ID: "song5", Title: "Peaches", Artist: "Justin Bieber", Album: "Justice", Duration: 198, Thumbnail: "https://images.unsplash.com/photo-1470225620780-dba8ba36b745?w=300&h=300&fit=crop&crop=center", ExternalID: "tQ0yjYUFKAE", Source: "youtube"},
}

// SeedSongs fills an empty catalog with the sample songs.
func (db *DB) SeedSongs(ctx context.Context) error {
	count, err := db.CountSongs(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for i := range sampleSongs {
		song := sampleSongs[i]
		if err := db.CreateSong(ctx, &song); err != nil {
			return err
		}
	}
	logrus.WithField("songs", len(sampleSongs)).Info("Seeded song catalog")
	return nil
}
