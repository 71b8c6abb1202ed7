package wire

import (
	"crypto/aes"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
)

// DefaultKeySeed is the vendor literal whose MD5 digest is the well-known
// fallback AES-128 key used before a device's local_key is known.
const DefaultKeySeed = "yGAdlopoPVldABfn"

// DefaultKey is MD5("yGAdlopoPVldABfn"), the 16-byte fallback encryption key.
func DefaultKey() [16]byte {
	return md5.Sum([]byte(DefaultKeySeed))
}

const (
	fixedHeaderLen = 16 // prefix + seq_no + cmd + payload_len
	retCodeLen     = 4
	footerLen      = 8 // crc32 + suffix
)

// Serialize encodes msg to wire bytes using key. noRetCode omits the 4-byte
// ret_code field, which is standard for outbound client commands.
func Serialize(msg Message, key []byte, noRetCode bool) ([]byte, error) {
	plain, err := json.Marshal(msg.Data)
	if err != nil {
		return nil, newErr(JSONParseFailed, "marshal data: %v", err)
	}

	var payload []byte
	if usesVersionPrefix(msg.Cmd) {
		payload = append([]byte(versionPrefix), mustEncrypt(plain, key)...)
	} else {
		payload = mustEncrypt(plain, key)
	}

	payloadLen := len(payload) + footerLen
	if !noRetCode {
		payloadLen += retCodeLen
	}

	total := fixedHeaderLen + payloadLen
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], wirePrefix)
	binary.BigEndian.PutUint32(buf[4:8], msg.SeqNo)
	binary.BigEndian.PutUint32(buf[8:12], uint32(msg.Cmd))
	binary.BigEndian.PutUint32(buf[12:16], uint32(payloadLen))

	off := fixedHeaderLen
	if !noRetCode {
		binary.BigEndian.PutUint32(buf[off:off+4], msg.RetCode)
		off += retCodeLen
	}
	copy(buf[off:], payload)
	off += len(payload)

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:off+4], crc)
	binary.BigEndian.PutUint32(buf[off+4:off+8], wireSuffix)

	return buf, nil
}

// ParseOne parses the first complete frame from buf and returns it along
// with the number of bytes consumed. Multiple frames may be concatenated;
// callers loop until the buffer is exhausted.
func ParseOne(buf []byte, key []byte, noRetCode bool) (Message, int, error) {
	headerLen := fixedHeaderLen
	if !noRetCode {
		headerLen += retCodeLen
	}
	if len(buf) < headerLen+footerLen {
		return Message{}, 0, newErr(TooShort, "buffer shorter than minimal frame (%d < %d)", len(buf), headerLen+footerLen)
	}

	prefix := binary.BigEndian.Uint32(buf[0:4])
	if prefix != wirePrefix {
		return Message{}, 0, newErr(BadPrefix, "got 0x%08X", prefix)
	}
	seqNo := binary.BigEndian.Uint32(buf[4:8])
	cmd := Command(binary.BigEndian.Uint32(buf[8:12]))
	payloadLen := binary.BigEndian.Uint32(buf[12:16])

	total := fixedHeaderLen + int(payloadLen)
	if total > len(buf) {
		return Message{}, 0, newErr(BadLength, "declared total %d exceeds buffer %d", total, len(buf))
	}
	if total < headerLen+footerLen {
		return Message{}, 0, newErr(BadLength, "declared total %d shorter than minimal frame", total)
	}

	msg := Message{Prefix: prefix, SeqNo: seqNo, Cmd: cmd}

	off := fixedHeaderLen
	if !noRetCode {
		msg.RetCode = binary.BigEndian.Uint32(buf[off : off+4])
		msg.HasRetCode = true
		off += retCodeLen
	}

	suffix := binary.BigEndian.Uint32(buf[total-4 : total])
	if suffix != wireSuffix {
		return Message{}, 0, newErr(BadSuffix, "got 0x%08X", suffix)
	}

	crcWant := binary.BigEndian.Uint32(buf[total-8 : total-4])
	crcGot := crc32.ChecksumIEEE(buf[:total-8])
	if crcWant != crcGot {
		return Message{}, 0, newErr(BadCrc, "got 0x%08X want 0x%08X", crcGot, crcWant)
	}

	payload := buf[off : total-footerLen]
	if len(payload) == 0 {
		msg.Data = Null
		return msg, total, nil
	}

	if usesVersionPrefix(cmd) && len(payload) >= len(versionPrefix) {
		payload = payload[len(versionPrefix):]
	}

	plain, err := decrypt(payload, key)
	if err != nil {
		return Message{}, 0, newErr(DecryptFailed, "%v", err)
	}
	if len(plain) == 0 {
		msg.Data = Null
		return msg, total, nil
	}

	var v Value
	if err := json.Unmarshal(plain, &v); err != nil {
		return Message{}, 0, newErr(JSONParseFailed, "%v", err)
	}
	msg.Data = v

	if cmd == CmdStatus {
		applyDPAliases(&msg)
	}

	return msg, total, nil
}

func mustEncrypt(plain, key []byte) []byte {
	out, err := encrypt(plain, key)
	if err != nil {
		// AES-128 with a validated 16-byte key never fails to encrypt;
		// a failure here means the key length contract was violated by
		// the caller, which is a programmer error, not a wire condition.
		panic(err)
	}
	return out
}

// encrypt performs AES-128-ECB with PKCS#7 padding. Go's crypto/cipher has
// no ready ECB mode (by design, ECB is unsafe for general use) so the
// block-by-block loop is hand-rolled here; this is the wire format's fixed
// primitive, not a design choice.
func encrypt(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], padded[i:i+block.BlockSize()])
	}
	return out, nil
}

func decrypt(cipherText, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(cipherText)%bs != 0 || len(cipherText) == 0 {
		return nil, newErr(DecryptFailed, "ciphertext length %d not a multiple of block size", len(cipherText))
	}
	out := make([]byte, len(cipherText))
	for i := 0; i < len(cipherText); i += bs {
		block.Decrypt(out[i:i+bs], cipherText[i:i+bs])
	}
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	if padLen == 0 {
		padLen = blockSize
	}
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, newErr(DecryptFailed, "empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > 16 || padLen > len(data) {
		return nil, newErr(DecryptFailed, "invalid padding length %d", padLen)
	}
	return data[:len(data)-padLen], nil
}

// dpAliases maps numeric DP keys to their semantic name, per the latest
// revision's resolution of the ambiguous DP "2" (brightness, not mode).
var dpAliases = map[string]string{
	"1":  "is_on",
	"20": "is_on",
	"2":  "brightness",
	"22": "brightness",
	"3":  "colourtemp",
	"23": "colourtemp",
	"21": "mode",
	"24": "colour",
}

// applyDPAliases enriches the dps sub-object in place with semantic alias
// keys, so both the numeric keys and their aliases are present after a
// STATUS frame is parsed (and survive an object-level merge into a
// session's dps cache).
func applyDPAliases(msg *Message) {
	obj, ok := msg.Data.Object()
	if !ok {
		return
	}
	dpsVal, ok := obj.Get("dps")
	if !ok {
		return
	}
	dps, ok := dpsVal.Object()
	if !ok {
		return
	}
	for _, k := range dps.Keys() {
		alias, ok := dpAliases[k]
		if !ok {
			continue
		}
		v, _ := dps.Get(k)
		dps.Set(alias, v)
	}
	obj.Set("dps", ValueFromObject(dps))
	msg.Data = ValueFromObject(obj)
}
