package privacy

import (
	"fmt"
	"strings"

	"walink/internal/constants"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+5511999999999" -> "+*********9999"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}
	keep := constants.DefaultPhoneMaskLength

	if strings.HasPrefix(phone, "+") {
		if len(phone) == 1 {
			return phone
		}
		return "+" + maskString(phone[1:], keep)
	}
	return maskString(phone, keep)
}

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, 4)
}

// MaskInstanceID keeps the prefix of a provider instance name readable
// Example: "wl-3f2a9c1e" -> "wl-****9c1e"
func MaskInstanceID(instanceID string) string {
	if instanceID == "" {
		return ""
	}
	if i := strings.Index(instanceID, "-"); i > 0 && i < len(instanceID)-1 {
		return instanceID[:i+1] + maskString(instanceID[i+1:], 4)
	}
	return maskString(instanceID, 4)
}

// DescribeQRCode summarises a pairing payload without revealing it
func DescribeQRCode(qr string) string {
	if qr == "" {
		return ""
	}
	return fmt.Sprintf("<qr %d bytes>", len(qr))
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "phone_number", "number":
			masked[k] = MaskPhoneNumber(s)
		case "user_id", "userId", "sub":
			masked[k] = MaskUserID(s)
		case "instance", "instance_id", "instanceId":
			masked[k] = MaskInstanceID(s)
		case "qr_code", "qrcode", "base64":
			masked[k] = DescribeQRCode(s)
		default:
			masked[k] = v
		}
	}
	return masked
}
