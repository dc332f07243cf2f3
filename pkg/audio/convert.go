// Package audio converts between the telephony wire format (8 kHz mono
// µ-law) and the linear PCM formats used by the speech providers: 16 kHz
// int16 for speech-to-text and 24 kHz int16 for text-to-speech output.
//
// All PCM buffers are little-endian int16 samples packed into []byte, mono
// unless stated otherwise. Conversions are pure and stateless. Buffers whose
// length is not a multiple of the sample size are rounded down to the
// nearest sample boundary rather than rejected.
package audio

import "github.com/zaf/g711"

// Sample rates of the three legs of the pipeline.
const (
	TelephonyRate = 8000  // µ-law from/to the telephony media stream
	STTRate       = 16000 // linear16 input for speech-to-text
	TTSRate       = 24000 // linear16 output from text-to-speech
)

// DecodeUlaw expands 8-bit µ-law samples to 16-bit linear PCM at the same
// sample rate. One input byte becomes one int16 sample (two output bytes).
func DecodeUlaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodeUlaw compresses 16-bit linear PCM to 8-bit µ-law at the same sample
// rate. Odd trailing bytes are dropped.
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm[:len(pcm)&^1])
}

// UpsampleDup raises the sample rate of 16-bit mono PCM by an integer factor
// using sample duplication. Duplication is adequate here: the upsampled
// signal feeds speech recognition, not playback.
func UpsampleDup(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	samples := len(pcm) / 2
	out := make([]byte, samples*factor*2)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for k := range factor {
			j := (i*factor + k) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Decimate lowers the sample rate of 16-bit mono PCM by an integer factor,
// keeping every factor-th sample starting from the first.
func Decimate(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	samples := len(pcm) / 2
	outSamples := (samples + factor - 1) / factor
	out := make([]byte, 0, outSamples*2)
	for i := 0; i < samples; i += factor {
		out = append(out, pcm[i*2], pcm[i*2+1])
	}
	return out
}

// UlawToPCM16k converts telephony µ-law 8 kHz to 16 kHz linear PCM for STT
// providers configured for linear16 input.
func UlawToPCM16k(ulaw []byte) []byte {
	return UpsampleDup(DecodeUlaw(ulaw), STTRate/TelephonyRate)
}

// PCM24kToUlaw8k converts TTS output (24 kHz linear PCM) to telephony µ-law
// 8 kHz by decimation.
func PCM24kToUlaw8k(pcm []byte) []byte {
	return EncodeUlaw(Decimate(pcm[:len(pcm)&^1], TTSRate/TelephonyRate))
}

// ApplyGain scales 16-bit PCM samples by gain, clamping to the int16 range.
// A gain of 1.0 returns the input unchanged.
func ApplyGain(pcm []byte, gain float64) []byte {
	if gain == 1.0 {
		return pcm
	}
	n := len(pcm) &^ 1
	out := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		v := int32(s * gain)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}
