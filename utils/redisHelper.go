package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

/* Redis */

// store instance, obj should be a pointer
func StoreRedis[T any](obj any, businessId string) error {
	key := GetTypeName[T]() + ":" + businessId
	return config.SetRedisObject(key, &obj, GetCacheLifespan())
}

// get from redis
// returns nil if does not exist
func RetrieveRedis[T any](businessId string) (*T, error) {
	var result *T
	key := GetTypeName[T]() + ":" + businessId
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// drop cached instance after writes
func InvalidateRedis[T any](businessId string) error {
	return config.RemoveRedisKey(GetTypeName[T]() + ":" + businessId)
}

func RedisKeyFor[T any](id int) string {
	return GetTypeName[T]() + ":" + fmt.Sprint(id)
}
