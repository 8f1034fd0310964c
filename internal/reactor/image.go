package reactor

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"opsrunner/internal/types"
)

// itemFromImage unmarshals a stream image into a task item. Stream images use
// the Lambda events attribute representation, which is converted to the SDK
// representation first so the regular attributevalue tags apply.
func itemFromImage(image map[string]events.DynamoDBAttributeValue) (types.TaskItem, error) {
	var item types.TaskItem
	record, err := toSDKImage(image)
	if err != nil {
		return item, err
	}
	if err := attributevalue.UnmarshalMap(record, &item); err != nil {
		return item, err
	}
	return item, nil
}

func ledgerEntryFromImage(image map[string]events.DynamoDBAttributeValue) (types.ConcurrencyEntry, error) {
	var entry types.ConcurrencyEntry
	record, err := toSDKImage(image)
	if err != nil {
		return entry, err
	}
	if err := attributevalue.UnmarshalMap(record, &entry); err != nil {
		return entry, err
	}
	return entry, nil
}

func toSDKImage(image map[string]events.DynamoDBAttributeValue) (map[string]ddbtypes.AttributeValue, error) {
	out := make(map[string]ddbtypes.AttributeValue, len(image))
	for name, av := range image {
		converted, err := toSDKAttribute(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		out[name] = converted
	}
	return out, nil
}

func toSDKAttribute(av events.DynamoDBAttributeValue) (ddbtypes.AttributeValue, error) {
	switch av.DataType() {
	case events.DataTypeString:
		return &ddbtypes.AttributeValueMemberS{Value: av.String()}, nil
	case events.DataTypeNumber:
		return &ddbtypes.AttributeValueMemberN{Value: av.Number()}, nil
	case events.DataTypeBoolean:
		return &ddbtypes.AttributeValueMemberBOOL{Value: av.Boolean()}, nil
	case events.DataTypeNull:
		return &ddbtypes.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeBinary:
		return &ddbtypes.AttributeValueMemberB{Value: av.Binary()}, nil
	case events.DataTypeStringSet:
		return &ddbtypes.AttributeValueMemberSS{Value: av.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &ddbtypes.AttributeValueMemberNS{Value: av.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &ddbtypes.AttributeValueMemberBS{Value: av.BinarySet()}, nil
	case events.DataTypeList:
		list := av.List()
		values := make([]ddbtypes.AttributeValue, 0, len(list))
		for _, elem := range list {
			converted, err := toSDKAttribute(elem)
			if err != nil {
				return nil, err
			}
			values = append(values, converted)
		}
		return &ddbtypes.AttributeValueMemberL{Value: values}, nil
	case events.DataTypeMap:
		converted, err := toSDKImage(av.Map())
		if err != nil {
			return nil, err
		}
		return &ddbtypes.AttributeValueMemberM{Value: converted}, nil
	}
	return nil, fmt.Errorf("unsupported stream attribute type %v", av.DataType())
}
