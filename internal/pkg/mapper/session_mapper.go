package mapper

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/go-viper/mapstructure/v2"
)

var (
	timeType    = reflect.TypeOf(time.Time{})
	intListType = reflect.TypeOf([]int{})
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// SessionToMap 将 SessionView 转换为 Redis 哈希字段，所有值都是字符串
func SessionToMap(v *models.SessionView) map[string]any {
	chunks := make([]string, len(v.ReceivedChunks))
	for i, idx := range v.ReceivedChunks {
		chunks[i] = strconv.Itoa(idx)
	}
	return map[string]any{
		"upload_id":          v.UploadID,
		"owner_id":           v.OwnerID,
		"target_id":          v.TargetID,
		"file_name":          v.FileName,
		"content_type":       v.ContentType,
		"state":              string(v.State),
		"total_chunks":       strconv.Itoa(v.TotalChunks),
		"declared_byte_size": strconv.FormatInt(v.DeclaredByteSize, 10),
		"received_bytes":     strconv.FormatInt(v.ReceivedBytes, 10),
		"received_chunks":    strings.Join(chunks, ","),
		"progress_percent":   strconv.Itoa(v.ProgressPercent),
		"final_object_ref":   v.FinalObjectRef,
		"final_byte_size":    strconv.FormatInt(v.FinalByteSize, 10),
		"failure_reason":     v.FailureReason,
		"abort_requested":    strconv.FormatBool(v.AbortRequested),
		"notes":              v.Notes,
		"business_status":    v.BusinessStatus,
		"purged":             strconv.FormatBool(v.Purged),
		"created_at":         formatTime(v.CreatedAt),
		"last_activity_at":   formatTime(v.LastActivityAt),
		"terminal_at":        formatTime(v.TerminalAt),
	}
}

// emptyTimeHook 空字符串解码为零值时间
func emptyTimeHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() == reflect.String && t == timeType && data.(string) == "" {
		return time.Time{}, nil
	}
	return data, nil
}

// chunkListHook 把 "0,1,2" 解码为 []int
func chunkListHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t != intListType {
		return data, nil
	}
	raw := data.(string)
	if raw == "" {
		return []int{}, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk index %q: %w", p, err)
		}
		out[i] = n
	}
	return out, nil
}

// MapToSession 将 Redis 哈希映射回 SessionView
// 数值和布尔字段依赖 WeaklyTypedInput 从字符串转换
func MapToSession(dataMap map[string]string) (*models.SessionView, error) {
	var view models.SessionView

	config := &mapstructure.DecoderConfig{
		Result:           &view,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			emptyTimeHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			chunkListHook,
		),
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create map decoder: %w", err)
	}
	if err := decoder.Decode(dataMap); err != nil {
		return nil, fmt.Errorf("failed to decode map to SessionView: %w", err)
	}
	if view.UploadID == "" || !view.State.Valid() {
		return nil, fmt.Errorf("incomplete cached session: upload_id=%q state=%q", view.UploadID, view.State)
	}
	if view.ReceivedChunks == nil {
		view.ReceivedChunks = []int{}
	}
	return &view, nil
}
