package companion

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

const metadataVersion = "v1"

// deriveMetadata rebuilds the metadata document from the wizard state.
// Profile identity and creation time are carried over from prev. Photo
// checksums are reused from prev while the photo paths are unchanged,
// unless fresh checksums are supplied.
func (s *Service) deriveMetadata(sid string, prev Metadata, w Wizard, checksums []string) Metadata {
	now := s.now()
	md := Metadata{
		ProfileID: prev.ProfileID,
		CreatedAt: prev.CreatedAt,
		UpdatedAt: now,
		Version:   metadataVersion,
		SessionBinding: SessionBinding{
			ClientSessionID: w.BoundSessionID,
			DaemonSessionID: "daemon-" + sid,
		},
	}
	if md.ProfileID == "" {
		md.ProfileID = "companion-" + now.Format("2006-01-02T15-04-05-000Z")
		md.CreatedAt = now
	}

	current := s.ProfileDir(sid)
	rel := make([]string, len(w.Assets.Photos))
	for i, p := range w.Assets.Photos {
		if r, err := filepath.Rel(current, p); err == nil {
			rel[i] = filepath.ToSlash(r)
		} else {
			rel[i] = p
		}
	}
	switch {
	case checksums != nil:
	case slices.Equal(rel, prev.Assets.Photos.Paths) && len(prev.Assets.Photos.Checksums) == len(rel):
		checksums = prev.Assets.Photos.Checksums
	default:
		sums, err := checksumFiles(context.Background(), w.Assets.Photos)
		if err != nil {
			s.logger.Warn("checksumming photos failed", "session_id", sid, "error", err)
		}
		checksums = sums
	}
	md.Assets.Photos = PhotoAssets{Count: len(rel), Paths: rel, Checksums: append([]string{}, checksums...)}

	md.Assets.Voice = VoiceAsset{HasSample: w.Assets.VoiceSample != "", ModelType: s.voiceModel}
	if md.Assets.Voice.HasSample {
		md.Assets.Voice.Duration = wavDuration(w.Assets.VoiceSample)
	}

	if w.Assets.PersonalityText != "" {
		md.Assets.Persona = PersonaAsset{
			SourceText:      w.Assets.PersonalityText,
			GeneratedPrompt: generatePrompt(w.Assets.PersonalityText),
		}
	}

	md.TrainingStatus = TrainingStatus{
		Image: modalityStatus(w, w.TrainingJobs.ImageJobID),
		Voice: modalityStatus(w, w.TrainingJobs.VoiceJobID),
	}
	return md
}

func modalityStatus(w Wizard, jobID string) ModalityStatus {
	job, ok := w.Job(jobID)
	if !ok {
		return ModalityPending
	}
	switch job.Status {
	case StatusQueued:
		return ModalityPending
	case StatusTraining:
		return ModalityTraining
	default:
		return ModalityStatus(job.Status)
	}
}

func generatePrompt(text string) string {
	return "system: " + text
}

// checksumFiles hashes every path in parallel. A file that cannot be read
// yields an empty checksum and the first error is returned alongside the
// partial result.
func checksumFiles(ctx context.Context, paths []string) ([]string, error) {
	sums := make([]string, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		g.Go(func() error {
			sum, err := checksumFile(p)
			if err != nil {
				return err
			}
			sums[i] = sum
			return nil
		})
	}
	return sums, g.Wait()
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", filepath.Base(path), err)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

// maxFmtChunkSize bounds the fmt chunk a sample may declare.
const maxFmtChunkSize = 64

// wavDuration reads the RIFF header of a PCM WAV file and returns its
// length in seconds, or 0 when the file is not a WAV it understands.
func wavDuration(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return 0
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0
	}

	var byteRate uint32
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return 0
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		skip := int64(size) + int64(size%2)
		switch id {
		case "fmt ":
			// PCM carries 16 bytes, WAVE_FORMAT_EXTENSIBLE 40.
			if size < 16 || size > maxFmtChunkSize {
				return 0
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(f, fmtChunk[:]); err != nil {
				return 0
			}
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			skip -= int64(len(fmtChunk))
		case "data":
			if byteRate == 0 {
				return 0
			}
			d := time.Duration(float64(size) / float64(byteRate) * float64(time.Second))
			return d.Round(time.Millisecond).Seconds()
		}
		if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
			return 0
		}
	}
}
}
