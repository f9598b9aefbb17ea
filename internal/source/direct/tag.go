package direct

import (
	"fmt"

	"github.com/bogem/id3v2"
	"github.com/rip-stream/ripstream/internal/content"
)

// writeTags applies the item's naming and metadata as ID3v2 frames on the mp3
// at filePath. cover, when non-nil, replaces any attached pictures. Frames
// whose source values are empty are left untouched so existing tags survive.
func writeTags(item *content.Content, filePath string, cover []byte) error {
	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open id3 tag: %w", err)
	}
	defer tag.Close()

	if item.Title != "" {
		tag.SetTitle(item.Title)
	}

	if item.Artist != "" {
		tag.SetArtist(item.Artist)
	}

	if item.Album != "" {
		tag.SetAlbum(item.Album)
	}

	if v := item.Meta(MetaAlbumArtist); v != "" {
		tag.DeleteFrames("TPE2")
		tag.AddTextFrame("TPE2", id3v2.EncodingUTF8, v)
	}

	if v := item.Meta(MetaTrackNumber); v != "" {
		tag.DeleteFrames("TRCK")
		tag.AddTextFrame("TRCK", id3v2.EncodingUTF8, v)
	}

	if v := item.Meta(MetaReleaseYear); v != "" {
		tag.DeleteFrames("TYER")
		tag.AddTextFrame("TYER", id3v2.EncodingUTF8, v)
	}

	if cover != nil {
		tag.DeleteFrames(tag.CommonID("Attached picture"))
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    "image/jpeg",
			PictureType: id3v2.PTFrontCover,
			Description: "Cover",
			Picture:     cover,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save id3 tag: %w", err)
	}

	return nil
}
